// Package config loads the configuration of the uplink command.
//
// Configuration is layered. Defaults come first, then uplink.json at the
// project root, then a .env file next to it, then UPLINK_* environment
// variables. Later layers override earlier ones field by field; variables
// already present in the environment win over the .env file.
//
// # Configuration File Structure
//
//	{
//	  "server": {
//	    "address": ":8080",
//	    "prefix": "/uplink",
//	    "webSocketPath": "/_uplink/ws",
//	    "metricsPath": "/metrics",
//	    "devMode": false,
//	    "seed": "seed.json"
//	  },
//	  "session": {
//	    "expiryTimeout": "1m",
//	    "maxQueuedMessages": 1024
//	  },
//	  "client": {
//	    "url": "http://localhost:8080",
//	    "handshakeTimeout": "10s"
//	  },
//	  "log": {
//	    "level": "info",
//	    "format": "text"
//	  }
//	}
//
// # Environment
//
// Every field has a variable named after its section and field, e.g.
// UPLINK_SERVER_ADDRESS, UPLINK_SESSION_EXPIRY_TIMEOUT or UPLINK_CLIENT_URL.
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv := server.New(cfg.ServerConfig())
package config
