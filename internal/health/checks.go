package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/tonearm/pkg/voice"
)

// Gateway passes once every session has received READY from the gateway.
func Gateway(sessions ...*discordgo.Session) Checker {
	return Checker{
		Name: "gateway",
		Check: func(_ context.Context) error {
			for _, s := range sessions {
				s.RLock()
				ready := s.DataReady
				s.RUnlock()
				if !ready {
					return fmt.Errorf("shard %d not ready", s.ShardID)
				}
			}
			return nil
		},
	}
}

// callGetter is the part of [voice.Manager] the voice check reads.
type callGetter interface {
	Call(guildID string) (*voice.Call, bool)
}

// Voice passes while the call for guildID is connected. It is meant for
// deployments that join a fixed channel at startup.
func Voice(m callGetter, guildID string) Checker {
	return Checker{
		Name: "voice",
		Check: func(_ context.Context) error {
			c, ok := m.Call(guildID)
			if !ok {
				return errors.New("no call for guild " + guildID)
			}
			if st := c.State(); st != voice.StateConnected {
				return fmt.Errorf("call is %s", st)
			}
			return nil
		},
	}
}
