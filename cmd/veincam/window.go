//go:build !notk

package main

import (
	"context"

	"github.com/cjeanneret/VeinCam/internal/config"
	"github.com/cjeanneret/VeinCam/internal/logic/liveview"
	"github.com/cjeanneret/VeinCam/internal/ui/canvas"
	"github.com/cjeanneret/VeinCam/internal/ui/tkview"
)

// runWindow drives the live view from the Tk event loop until the window
// closes or ctx is cancelled.
func runWindow(ctx context.Context, cfg *config.Config, ctrl *liveview.Controller, cv *canvas.Canvas) error {
	win := tkview.New(cfg.View.Title, cfg.Camera.Width, cfg.Camera.Height, ctrl)
	cv.AddSink(win.Show)
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	// The window notices the stop on its next tick and closes itself.
	go func() {
		<-ctx.Done()
		ctrl.Stop()
	}()
	win.Run()
	return ctrl.Stop()
}
