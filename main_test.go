package main

import (
	"testing"

	"metamcp/cmd"

	"github.com/stretchr/testify/require"
)

func TestVersionDefault(t *testing.T) {
	require.Equal(t, "dev", version)
}

func TestSetVersionPropagatesToRootCommand(t *testing.T) {
	defer cmd.SetVersion("dev")

	cmd.SetVersion("1.2.3")
	require.Equal(t, "1.2.3", cmd.GetVersion())
}
