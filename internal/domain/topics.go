package domain

// Topics is the pub/sub topic set for one gateway instance.
type Topics struct {
	Shared   string
	Direct   string
	Status   string
	Outbound string
}

// NewTopics builds the topic scheme for server srv, gateway gw and this
// client's id:
//
//	<srv>/from-<gw>             shared inbound
//	<srv>/from-<gw>/<clientId>  direct inbound, used as responseTopic
//	<srv>/status                gateway lifecycle
//	<srv>/to-<gw>               outbound requests
func NewTopics(srv, gw, clientID string) Topics {
	shared := srv + "/from-" + gw
	return Topics{
		Shared:   shared,
		Direct:   shared + "/" + clientID,
		Status:   srv + "/status",
		Outbound: srv + "/to-" + gw,
	}
}
