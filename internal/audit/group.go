package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// group collects fields for a nested dictionary that is only written when at
// least one field was added. Empty values are skipped, except by always.
type group struct {
	dict   *zerolog.Event
	fields int
}

func (g *group) add() *zerolog.Event {
	if g.dict == nil {
		g.dict = zerolog.Dict()
	}
	g.fields++
	return g.dict
}

// always records a boolean regardless of its value.
func (g *group) always(key string, val bool) *group {
	g.add().Bool(key, val)
	return g
}

// flag records a boolean only when it is set.
func (g *group) flag(key string, val bool) *group {
	if val {
		g.add().Bool(key, true)
	}
	return g
}

func (g *group) str(key, val string) *group {
	if val != "" {
		g.add().Str(key, val)
	}
	return g
}

func (g *group) strs(key string, vals []string) *group {
	if len(vals) > 0 {
		g.add().Strs(key, vals)
	}
	return g
}

// expiry records a Unix expiry and the time remaining until it, rounded to
// the second.
func (g *group) expiry(key string, unixSecs int64) *group {
	if unixSecs <= 0 {
		return g
	}
	at := time.Unix(unixSecs, 0)
	g.add().
		Time(key, at).
		Dur(key+"Remaining", time.Until(at).Round(time.Second))
	return g
}

// writeTo adds the group to parent under key, returning false when the group
// is empty and was left out.
func (g *group) writeTo(parent *zerolog.Event, key string) bool {
	if g.fields == 0 {
		return false
	}
	parent.Dict(key, g.dict)
	return true
}
