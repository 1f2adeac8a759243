// Package ui runs the system tray menu of the agent.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"
	"github.com/splatview/splatview-agent/internal/health"
	"github.com/splatview/splatview-agent/internal/session"
)

type Tray struct {
	controller *session.Controller
	monitor    *health.Monitor
	logger     *slog.Logger

	statusItem *systray.MenuItem
	remoteItem *systray.MenuItem
	resetItem  *systray.MenuItem

	mu sync.Mutex

	onQuit func()
}

type TrayConfig struct {
	Controller *session.Controller
	Monitor    *health.Monitor
	Logger     *slog.Logger
	OnQuit     func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		controller: cfg.Controller,
		monitor:    cfg.Monitor,
		logger:     cfg.Logger,
		onQuit:     cfg.OnQuit,
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Splatview")
	systray.SetTooltip("Splatview Agent")

	t.mu.Lock()
	t.statusItem = systray.AddMenuItem(phaseLabel(t.controller.Snapshot()), "Current session")
	t.statusItem.Disable()
	t.remoteItem = systray.AddMenuItem(healthLabel(t.monitor.Peek()), "Reconstruction service")
	t.remoteItem.Disable()
	t.mu.Unlock()

	systray.AddSeparator()

	t.resetItem = systray.AddMenuItem("Reset Session", "Discard the current session")
	recheckItem := systray.AddMenuItem("Recheck Service", "Probe the reconstruction service again")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Splatview Agent")

	go func() {
		for {
			select {
			case <-t.resetItem.ClickedCh:
				t.logger.Info("reset requested from tray")
				t.controller.Reset()
			case <-recheckItem.ClickedCh:
				go t.recheck()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) recheck() {
	t.UpdateHealth(health.Status{State: health.StateChecking})
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	t.UpdateHealth(t.monitor.Check(ctx))
}

// OnTransition is a session listener keeping the status item current.
func (t *Tray) OnTransition(prev, next session.Phase, snap session.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusItem == nil {
		return
	}
	t.statusItem.SetTitle(phaseLabel(snap))
}

func (t *Tray) UpdateHealth(status health.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteItem == nil {
		return
	}
	t.remoteItem.SetTitle(healthLabel(status))
}

func (t *Tray) Quit() {
	systray.Quit()
}

func phaseLabel(snap session.Snapshot) string {
	switch snap.Phase {
	case session.PhaseIdle:
		if snap.ImageCount > 0 {
			return fmt.Sprintf("Status: %d images selected", snap.ImageCount)
		}
		return "Status: Idle"
	case session.PhaseUploading:
		return fmt.Sprintf("Status: Uploading %d images", snap.ImageCount)
	case session.PhaseProcessing:
		return "Status: Reconstructing"
	case session.PhaseReady:
		return "Status: Ready"
	case session.PhaseFailed:
		if snap.Error != nil {
			return fmt.Sprintf("Status: Failed (%s)", snap.Error.Stage)
		}
		return "Status: Failed"
	}
	return "Status: " + string(snap.Phase)
}

func healthLabel(status health.Status) string {
	switch status.State {
	case health.StateReady:
		if status.Device != "" {
			return "Service: Ready (" + status.Device + ")"
		}
		return "Service: Ready"
	case health.StateUnavailable:
		return "Service: Unavailable"
	}
	return "Service: Checking..."
}
