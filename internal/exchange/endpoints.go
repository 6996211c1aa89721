package exchange

import (
	"fmt"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Env selects one of the exchange's three environments. Each carries its own
// REST base and private stream; demo reuses the mainnet public stream, so
// paper trading sees real market data while orders hit the demo books.
type Env string

const (
	EnvLive    Env = "live"
	EnvTestnet Env = "testnet"
	EnvDemo    Env = "demo"
)

// Endpoints is the URL triple for one environment. All URLs within a process
// come from a single Endpoints value.
type Endpoints struct {
	RESTBase  string
	PublicWS  string // completed per category by PublicStream
	PrivateWS string
}

var envEndpoints = map[Env]Endpoints{
	EnvLive: {
		RESTBase:  "https://api.bybit.com",
		PublicWS:  "wss://stream.bybit.com/v5/public",
		PrivateWS: "wss://stream.bybit.com/v5/private",
	},
	EnvTestnet: {
		RESTBase:  "https://api-testnet.bybit.com",
		PublicWS:  "wss://stream-testnet.bybit.com/v5/public",
		PrivateWS: "wss://stream-testnet.bybit.com/v5/private",
	},
	EnvDemo: {
		RESTBase:  "https://api-demo.bybit.com",
		PublicWS:  "wss://stream.bybit.com/v5/public",
		PrivateWS: "wss://stream-demo.bybit.com/v5/private",
	},
}

// EndpointsFor resolves an environment name to its URL triple.
func EndpointsFor(env Env) (Endpoints, error) {
	ep, ok := envEndpoints[env]
	if !ok {
		return Endpoints{}, fmt.Errorf("unknown environment %q", env)
	}
	return ep, nil
}

// EnvForMode maps the trading mode to its default environment: live trades
// against the real books, everything else against demo.
func EnvForMode(mode types.Mode) Env {
	if mode == types.ModeLive {
		return EnvLive
	}
	return EnvDemo
}

// PublicStream returns the public WS URL for a product category.
func (e Endpoints) PublicStream(category types.Category) string {
	return e.PublicWS + "/" + string(category)
}
