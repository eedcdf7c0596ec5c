package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Protocol and Transport Errors (E060-E079)
	// ============================================

	"E060": {
		Category:   CategoryTransport,
		Message:    "Connection to the server failed",
		Detail:     "The WebSocket or HTTP request to the Uplink server could not be completed.",
		Suggestion: "Check that the server is running and that --url points at it",
	},
	"E061": {
		Category:   CategoryProtocol,
		Message:    "Handshake timed out",
		Detail:     "The server accepted the connection but did not acknowledge the handshake in time.",
		Suggestion: "Check the WebSocket path and raise handshakeTimeout for slow links",
	},
	"E062": {
		Category: CategoryProtocol,
		Message:  "Protocol violation",
		Detail:   "A frame was malformed or missed a required field.",
	},
	"E063": {
		Category: CategoryProtocol,
		Message:  "Operation not valid in the current state",
		Detail:   "The operation requires a handshake, or refers to a subscription or listener that does not exist.",
	},
	"E064": {
		Category: CategoryProtocol,
		Message:  "Already bound",
		Detail:   "The connection is already bound to a session, or the key is already subscribed.",
	},
	"E065": {
		Category: CategoryProtocol,
		Message:  "Internal server error",
	},

	// ============================================
	// Store Errors (E080-E099)
	// ============================================

	"E080": {
		Category: CategoryStore,
		Message:  "Value not available",
		Detail:   "The key was never fetched, or the server has no value and no handler for it.",
	},
	"E081": {
		Category:   CategoryStore,
		Message:    "Invalid seed file",
		Detail:     "The seed file must be a JSON object mapping store keys to values.",
		Suggestion: `Use a file like {"/todos": [], "/settings": {"theme": "dark"}}`,
	},
	"E082": {
		Category: CategoryStore,
		Message:  "Invalid store key",
		Detail:   "Store keys are paths and must start with /.",
	},

	// ============================================
	// Action Errors (E100-E119)
	// ============================================

	"E100": {
		Category: CategoryAction,
		Message:  "Action failed",
		Detail:   "The server answered the action with an error status.",
	},
	"E101": {
		Category:   CategoryAction,
		Message:    "Invalid action params",
		Detail:     "Action params must be valid JSON.",
		Suggestion: `Quote the params for your shell: --params '{"title":"milk"}'`,
	},

	// ============================================
	// Config Errors (E120-E139)
	// ============================================

	"E120": {
		Category:   CategoryConfig,
		Message:    "Invalid config file",
		Detail:     "uplink.json could not be read or parsed.",
		Suggestion: "Check that uplink.json is valid JSON",
	},
	"E121": {
		Category: CategoryConfig,
		Message:  "Invalid config value",
	},
	"E122": {
		Category:   CategoryConfig,
		Message:    "Invalid environment variable",
		Detail:     "An UPLINK_* variable could not be parsed into its config field.",
		Suggestion: "Durations use Go syntax such as 250ms, 30s or 1m",
	},
	"E123": {
		Category: CategoryConfig,
		Message:  "Invalid .env file",
	},

	// ============================================
	// CLI Errors (E140-E159)
	// ============================================

	"E140": {
		Category: CategoryCLI,
		Message:  "Invalid argument",
	},
	"E141": {
		Category: CategoryCLI,
		Message:  "Config file not found",
	},
	"E142": {
		Category:   CategoryCLI,
		Message:    "Config file already exists",
		Suggestion: "Pass --force to overwrite it",
	},
}

// GetAllCodes returns all registered error codes, sorted.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds a custom error template.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}
