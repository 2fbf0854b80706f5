package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"quantloop/internal/models"
	"quantloop/internal/securities"
	"quantloop/pkg/utils"
)

// tickFrame is the wire format of one live trade print.
type tickFrame struct {
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Unix     int64   `json:"ts"` // milliseconds
}

// LiveStream bridges a websocket tick feed into TimeSlices. A read pump
// funnels frames into a single ingestion channel and a batcher emits one
// slice per interval, so everything reaching the loop passes through one
// synchronized point regardless of how many frames arrived.
type LiveStream struct {
	url      string
	store    *securities.Store
	interval time.Duration
	logger   zerolog.Logger

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewLiveStream creates a live stream batching frames every interval.
func NewLiveStream(url string, store *securities.Store, interval time.Duration, logger zerolog.Logger) *LiveStream {
	if interval <= 0 {
		interval = time.Second
	}
	return &LiveStream{
		url:      url,
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "live_feed").Logger(),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Slices implements Stream. The channel closes when the connection drops
// or the context ends.
func (s *LiveStream) Slices(ctx context.Context) <-chan *TimeSlice {
	out := make(chan *TimeSlice)
	frames := make(chan tickFrame, 1024)

	go func() {
		defer close(out)
		conn, err := utils.RetryWithResult(ctx, utils.DefaultRetryConfig(), func() (*websocket.Conn, error) {
			return s.dial(ctx, s.url)
		})
		if err != nil {
			s.logger.Error().Err(err).Str("url", s.url).Msg("Feed dial failed")
			return
		}
		defer conn.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return s.readPump(gctx, conn, frames) })
		g.Go(func() error { return s.batch(gctx, frames, out) })
		if err := g.Wait(); err != nil && err != context.Canceled {
			s.logger.Warn().Err(err).Msg("Live feed stopped")
		}
	}()
	return out
}

func (s *LiveStream) readPump(ctx context.Context, conn *websocket.Conn, frames chan<- tickFrame) error {
	defer close(frames)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame tickFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.logger.Debug().Err(err).Msg("Dropping malformed frame")
			continue
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *LiveStream) batch(ctx context.Context, frames <-chan tickFrame, out chan<- *TimeSlice) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	pending := make([]tickFrame, 0, 256)
	flush := func(now time.Time) error {
		var ts *TimeSlice
		if len(pending) == 0 {
			ts = NewTimePulse(now)
		} else {
			b := NewSliceBuilder(s.store, now)
			for _, f := range pending {
				b.AddTick(models.Tick{
					Symbol:   models.NewSymbol(f.Symbol),
					Time:     time.UnixMilli(f.Unix).UTC(),
					Price:    f.Price,
					Quantity: f.Quantity,
				})
			}
			ts = b.Build()
			pending = pending[:0]
		}
		select {
		case out <- ts:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return flush(time.Now().UTC())
			}
			pending = append(pending, f)
		case now := <-ticker.C:
			if err := flush(now.UTC()); err != nil {
				return err
			}
		}
	}
}
