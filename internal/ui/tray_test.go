package ui

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/splatview/splatview-agent/internal/health"
	"github.com/splatview/splatview-agent/internal/session"
)

func TestPhaseLabel(t *testing.T) {
	tests := []struct {
		snap session.Snapshot
		want string
	}{
		{session.Snapshot{Phase: session.PhaseIdle}, "Status: Idle"},
		{session.Snapshot{Phase: session.PhaseIdle, ImageCount: 4}, "Status: 4 images selected"},
		{session.Snapshot{Phase: session.PhaseUploading, ImageCount: 4}, "Status: Uploading 4 images"},
		{session.Snapshot{Phase: session.PhaseProcessing}, "Status: Reconstructing"},
		{session.Snapshot{Phase: session.PhaseReady}, "Status: Ready"},
		{session.Snapshot{Phase: session.PhaseFailed, Error: &session.ErrorInfo{Stage: session.StageUpload}}, "Status: Failed (upload)"},
		{session.Snapshot{Phase: session.PhaseFailed}, "Status: Failed"},
	}
	for _, tt := range tests {
		if got := phaseLabel(tt.snap); got != tt.want {
			t.Errorf("phaseLabel(%s) = %q, want %q", tt.snap.Phase, got, tt.want)
		}
	}
}

func TestHealthLabel(t *testing.T) {
	tests := []struct {
		status health.Status
		want   string
	}{
		{health.Status{State: health.StateChecking}, "Service: Checking..."},
		{health.Status{State: health.StateReady}, "Service: Ready"},
		{health.Status{State: health.StateReady, Device: "cuda:0"}, "Service: Ready (cuda:0)"},
		{health.Status{State: health.StateUnavailable, Detail: "missing dependencies: x"}, "Service: Unavailable"},
	}
	for _, tt := range tests {
		if got := healthLabel(tt.status); got != tt.want {
			t.Errorf("healthLabel(%+v) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestIconIsPNG(t *testing.T) {
	cfg, err := png.DecodeConfig(bytes.NewReader(iconBytes))
	if err != nil {
		t.Fatalf("icon does not decode: %v", err)
	}
	if cfg.Width != 32 || cfg.Height != 32 {
		t.Errorf("icon size = %dx%d", cfg.Width, cfg.Height)
	}
}

func TestOnTransitionBeforeReady(t *testing.T) {
	tray := NewTray(TrayConfig{})
	tray.OnTransition(session.PhaseIdle, session.PhaseUploading, session.Snapshot{Phase: session.PhaseUploading})
	tray.UpdateHealth(health.Status{State: health.StateReady})
}
