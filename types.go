package sshmux

// Channel request and channel open payloads, see RFC 4254.

type execRequest struct {
	Command string
}

type subsystemRequest struct {
	Name string
}

type envRequest struct {
	Name  string
	Value string
}

type signalRequest struct {
	Signal string
}

type exitStatusRequest struct {
	Status uint32
}

type exitSignalRequest struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// direct-tcpip and forwarded-tcpip share the same layout: the first pair is
// the address to connect to (or that was connected to), the second the originator.
type tunnelChannelData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

const (
	execRequestType       = "exec"
	subsystemRequestType  = "subsystem"
	envRequestType        = "env"
	signalRequestType     = "signal"
	exitStatusRequestType = "exit-status"
	exitSignalRequestType = "exit-signal"
	keepaliveRequestType  = "keepalive@sshmux"
)
