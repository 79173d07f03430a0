package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	log "github.com/sirupsen/logrus"

	"tonearm/src/util"
)

// MPD plays artifacts through a Music Player Daemon instance. One artifact
// is loaded at a time; queueing is handled upstream.
type MPD struct {
	util.Emitter

	network, address string
	passwd           string

	// Running the idle watcher on the same connection as control commands
	// confuses MPD, so the watcher gets its own connection.
	watcher *mpd.Watcher

	mu            sync.Mutex
	currentPath   string
	stopRequested bool
	lastState     string
}

// ConnectMPD verifies that an MPD server is reachable and starts watching
// its player subsystem for lifecycle changes.
func ConnectMPD(network, address string, password *string) (*MPD, error) {
	var passwd string
	if password != nil {
		passwd = *password
	}
	sk := &MPD{
		network: network,
		address: address,
		passwd:  passwd,
	}

	client, err := sk.connect()
	if err != nil {
		return nil, fmt.Errorf("unable to connect to MPD: %v", err)
	}
	client.Close()

	watcher, err := mpd.NewWatcher(network, address, passwd, "player")
	if err != nil {
		return nil, fmt.Errorf("unable to watch MPD: %v", err)
	}
	sk.watcher = watcher
	go sk.watch()

	return sk, nil
}

func (sk *MPD) Events() *util.Emitter { return &sk.Emitter }

// Play implements the Sink interface. The artifact replaces whatever MPD
// was playing.
func (sk *MPD) Play(ctx context.Context, path string, offset time.Duration) error {
	sk.mu.Lock()
	sk.currentPath = path
	sk.stopRequested = false
	sk.mu.Unlock()

	return sk.withMpd(ctx, func(mpdc *mpd.Client) error {
		if err := mpdc.Clear(); err != nil {
			return err
		}
		if err := mpdc.Add("file://" + path); err != nil {
			return err
		}
		if err := mpdc.Play(0); err != nil {
			return err
		}
		if offset > 0 {
			return mpdc.SeekCur(offset, false)
		}
		return nil
	})
}

func (sk *MPD) Pause(ctx context.Context) error {
	return sk.withMpd(ctx, func(mpdc *mpd.Client) error {
		return mpdc.Pause(true)
	})
}

func (sk *MPD) Resume(ctx context.Context) error {
	return sk.withMpd(ctx, func(mpdc *mpd.Client) error {
		return mpdc.Pause(false)
	})
}

func (sk *MPD) Seek(ctx context.Context, position time.Duration) error {
	return sk.withMpd(ctx, func(mpdc *mpd.Client) error {
		return mpdc.SeekCur(position, false)
	})
}

func (sk *MPD) Stop(ctx context.Context) error {
	sk.mu.Lock()
	sk.stopRequested = true
	sk.mu.Unlock()

	return sk.withMpd(ctx, func(mpdc *mpd.Client) error {
		return mpdc.Stop()
	})
}

func (sk *MPD) connect() (*mpd.Client, error) {
	if sk.passwd != "" {
		return mpd.DialAuthenticated(sk.network, sk.address, sk.passwd)
	}
	return mpd.Dial(sk.network, sk.address)
}

func (sk *MPD) withMpd(ctx context.Context, fn func(*mpd.Client) error) error {
	client, err := sk.connect()
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

// watch translates MPD player subsystem changes into sink lifecycle events.
func (sk *MPD) watch() {
	for range sk.watcher.Event {
		var status mpd.Attrs
		err := sk.withMpd(context.Background(), func(mpdc *mpd.Client) error {
			var err error
			status, err = mpdc.Status()
			return err
		})
		if err != nil {
			log.Errorf("Could not query MPD status: %v", err)
			continue
		}

		sk.mu.Lock()
		path := sk.currentPath
		state := status["state"]
		prev := sk.lastState
		sk.lastState = state
		stopRequested := sk.stopRequested

		if path == "" || state == prev {
			sk.mu.Unlock()
			continue
		}

		switch state {
		case "play":
			if prev != "pause" {
				sk.mu.Unlock()
				sk.Emit(StartedEvent{Path: path})
				continue
			}
		case "stop":
			sk.currentPath = ""
			sk.mu.Unlock()
			if mpdErr := status["error"]; mpdErr != "" {
				sk.Emit(ErrorEvent{Path: path, Err: fmt.Errorf("mpd: %s", mpdErr)})
			} else if stopRequested {
				sk.Emit(FinishedEvent{Path: path, Reason: ReasonSkipped})
			} else {
				sk.Emit(FinishedEvent{Path: path, Reason: ReasonEnded})
			}
			continue
		}
		sk.mu.Unlock()
	}
}
