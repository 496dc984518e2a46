//go:build notk

package main

import (
	"context"
	"errors"

	"github.com/cjeanneret/VeinCam/internal/config"
	"github.com/cjeanneret/VeinCam/internal/logic/liveview"
	"github.com/cjeanneret/VeinCam/internal/ui/canvas"
)

func runWindow(context.Context, *config.Config, *liveview.Controller, *canvas.Canvas) error {
	return errors.New("built without the desktop window (notk); run with -headless -web")
}
