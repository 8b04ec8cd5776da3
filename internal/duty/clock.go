// Package duty tracks hours-of-service driving minutes for the current duty day.
package duty

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"tripsync/internal/kv"
)

const (
	// BlockMinutes is the daily driving limit. At or above it every
	// non-completion action is blocked.
	BlockMinutes = 540

	// WarnMinutes is where the UI starts warning about the limit.
	WarnMinutes = 480
)

// ErrNegativeMinutes is returned when AddDriving is given a negative amount.
var ErrNegativeMinutes = errors.New("driving minutes must not be negative")

// Status is the driver's hours-of-service position for today.
type Status struct {
	Day       string `json:"day"`
	Minutes   int    `json:"minutes"`
	Remaining int    `json:"remaining"`
	Warning   bool   `json:"warning"`
	Exceeded  bool   `json:"exceeded"`
}

type record struct {
	Day     string `json:"day"`
	Minutes int    `json:"minutes"`
}

// Clock accumulates driving minutes, resetting at the local day boundary.
type Clock struct {
	mu    sync.Mutex
	store kv.Store
	loc   *time.Location
	now   func() time.Time
}

// NewClock creates a Clock whose days are measured in loc. A nil loc means
// the host's local zone.
func NewClock(store kv.Store, loc *time.Location) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{store: store, loc: loc, now: time.Now}
}

func (c *Clock) today() string {
	return c.now().In(c.loc).Format("2006-01-02")
}

// load returns today's record. A record from an earlier day, or a malformed
// one, counts as zero minutes.
func (c *Clock) load(ctx context.Context) (record, error) {
	today := c.today()

	data, err := c.store.Get(ctx, kv.KeyDutyClock)
	if err != nil {
		return record{}, err
	}

	var rec record
	if len(data) == 0 || json.Unmarshal(data, &rec) != nil || rec.Day != today || rec.Minutes < 0 {
		return record{Day: today}, nil
	}
	return rec, nil
}

// AddDriving adds minutes to today's total and returns the new status.
func (c *Clock) AddDriving(ctx context.Context, minutes int) (Status, error) {
	if minutes < 0 {
		return Status{}, ErrNegativeMinutes
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.load(ctx)
	if err != nil {
		return Status{}, err
	}
	rec.Minutes += minutes

	if err := kv.SetJSON(ctx, c.store, kv.KeyDutyClock, rec); err != nil {
		return Status{}, err
	}
	return statusOf(rec), nil
}

// Minutes returns today's driving minutes.
func (c *Clock) Minutes(ctx context.Context) (int, error) {
	s, err := c.Status(ctx)
	return s.Minutes, err
}

// Status returns today's hours-of-service position.
func (c *Clock) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.load(ctx)
	if err != nil {
		return Status{}, err
	}
	return statusOf(rec), nil
}

// Exceeded reports whether today's total has reached the block threshold.
func (c *Clock) Exceeded(ctx context.Context) (bool, error) {
	s, err := c.Status(ctx)
	return s.Exceeded, err
}

func statusOf(rec record) Status {
	remaining := BlockMinutes - rec.Minutes
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Day:       rec.Day,
		Minutes:   rec.Minutes,
		Remaining: remaining,
		Warning:   rec.Minutes >= WarnMinutes,
		Exceeded:  rec.Minutes >= BlockMinutes,
	}
}
