package app

import (
	"context"
	"time"

	logx "oxdaily/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

const (
	sdReady     = daemon.SdNotifyReady
	sdStopping  = daemon.SdNotifyStopping
	sdReloading = daemon.SdNotifyReloading
	sdWatchdog  = daemon.SdNotifyWatchdog
)

// systemdNotifier talks sd_notify when NOTIFY_SOCKET is set and is silent otherwise.
type systemdNotifier struct {
	log      logx.Logger
	watchdog time.Duration
}

func newSystemdNotifier(log logx.Logger) *systemdNotifier {
	n := &systemdNotifier{log: log.With(logx.String("comp", "systemd"))}
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		n.log.Warn("invalid systemd watchdog env", logx.Err(err))
	} else {
		n.watchdog = d
	}
	return n
}

func (n *systemdNotifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdogLoop pings at half the configured watchdog interval.
func (n *systemdNotifier) watchdogLoop(ctx context.Context) {
	every := n.watchdog / 2
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(sdWatchdog)
		}
	}
}
