package main

import (
	"fmt"
	"strings"

	"github.com/quickfixgo/quickfix"

	"xconnect/internal/config"
)

// coinbaseFIXSessionSettings builds a quickfix.SessionSettings the way
// quickfix-go expects to receive one: parsed from its ini config format,
// rather than assembled field by field, matching every quickfix sample
// and the library's own ParseSettings entry point. port lets the same
// identity dial either the order-entry or market-data gateway.
func coinbaseFIXSessionSettings(v *config.CoinbaseFIXConfig, port int) *quickfix.SessionSettings {
	ini := fmt.Sprintf(`[DEFAULT]
ConnectionType=initiator
ReconnectInterval=5
FileStorePath=store/coinbase_fix
HeartBtInt=30
UseDataDictionary=N

[SESSION]
BeginString=FIXT.1.1
DefaultApplVerID=FIX.5.0SP2
SenderCompID=%s
TargetCompID=%s
SocketConnectHost=%s
SocketConnectPort=%d
SocketUseSSL=Y
`, v.SenderCompID, v.TargetCompID, v.Host, port)

	settings, err := quickfix.ParseSettings(strings.NewReader(ini))
	if err != nil {
		// Every field above is either a fixed literal or config already
		// validated by Config.Validate, so a parse failure here means the
		// ini template itself is broken, not bad user input.
		panic(fmt.Sprintf("build coinbase fix session settings: %v", err))
	}
	return settings
}
