package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medcore/stockcore/internal/app"
	_ "github.com/medcore/stockcore/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
