// Package errors provides structured, actionable error messages for the
// uplink command line tool.
//
// Every error carries a code that maps to a short message and a longer
// explanation, plus an optional hint on how to fix it. Errors coming out of
// the protocol packages are classified by their protocol.ErrorCode.
//
// # Error Categories
//
//   - config: uplink.json, .env and environment problems
//   - cli: bad flags or arguments
//   - protocol: wire protocol failures (handshake, violations, state)
//   - transport: network failures
//   - store: store key problems
//   - action: failed actions
//
// # Usage
//
//	err := errors.New("E141").
//	    WithDetail("No uplink.json found in " + dir).
//	    WithSuggestion("Run 'uplink init' or pass --config")
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR E141: Config file not found
//	//
//	//   No uplink.json found in /srv/app
//	//
//	//   Hint: Run 'uplink init' or pass --config
package errors
