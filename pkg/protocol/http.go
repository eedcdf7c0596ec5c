package protocol

// HTTP headers shared by the request/response surface.
const (
	// HeaderHash carries the content hash of a store read.
	HeaderHash = "X-Uplink-Hash"

	// HeaderGuid identifies the calling client on store reads.
	HeaderGuid = "X-Uplink-Guid"
)
