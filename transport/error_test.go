package transport_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pollmux/pollmux/transport"
	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	tests := map[string]struct {
		err   error
		fatal bool
	}{
		"nil":              {err: nil, fatal: false},
		"blocked":          {err: transport.ErrBlocked, fatal: false},
		"finished":         {err: transport.ErrFinished, fatal: false},
		"no stream":        {err: transport.ErrNoStream, fatal: true},
		"reset":            {err: transport.ErrReset, fatal: true},
		"closed":           {err: transport.ErrClosed, fatal: true},
		"wrapped blocked":  {err: fmt.Errorf("send header: %w", transport.ErrBlocked), fatal: false},
		"wrapped reset":    {err: fmt.Errorf("recv tag: %w", transport.ErrReset), fatal: true},
		"unclassified":     {err: errors.New("socket gone"), fatal: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.fatal, transport.IsFatal(tc.err))
		})
	}
}

func TestStreamIDEncoding(t *testing.T) {
	tests := map[string]struct {
		id        transport.StreamID
		dir       transport.Direction
		initiator transport.Side
	}{
		"client bi":  {id: 0, dir: transport.Bidirectional, initiator: transport.Client},
		"server bi":  {id: 1, dir: transport.Bidirectional, initiator: transport.Server},
		"client uni": {id: 2, dir: transport.Unidirectional, initiator: transport.Client},
		"server uni": {id: 3, dir: transport.Unidirectional, initiator: transport.Server},
		"high index": {id: 4*11 + 2, dir: transport.Unidirectional, initiator: transport.Client},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.dir, tc.id.Dir())
			assert.Equal(t, tc.initiator, tc.id.Initiator())
		})
	}
}
