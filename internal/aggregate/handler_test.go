package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComposeAppliesOuterFirst(t *testing.T) {
	var order []string

	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req Request) (Response, error) {
				order = append(order, name+":before")
				resp, err := next(ctx, req)
				order = append(order, name+":after")
				return resp, err
			}
		}
	}

	final := func(ctx context.Context, req Request) (Response, error) {
		order = append(order, "final")
		return Response{}, nil
	}

	h := Compose(tag("m1"), tag("m2"))(final)
	_, _ = h(context.Background(), Request{})

	assert.Equal(t, []string{"m1:before", "m2:before", "final", "m2:after", "m1:after"}, order)
}

func TestComposeWithNoMiddlewareIsIdentity(t *testing.T) {
	final := func(ctx context.Context, req Request) (Response, error) {
		return Response{Tools: nil}, nil
	}
	h := Compose()(final)
	resp, err := h(context.Background(), Request{})
	assert.NoError(t, err)
	assert.Nil(t, resp.Tools)
}
