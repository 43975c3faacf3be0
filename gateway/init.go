package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/evgate/common"
	"github.com/alwitt/evgate/subscription"
	"github.com/apex/log"
)

// ConnectionInit bootstraps a new connection from its handshake request,
// returning the initial subscription set or a short failure reason.
type ConnectionInit interface {
	SetUp(request *http.Request) ([]subscription.Selector, error)
}

// queryConnectionInit implements ConnectionInit from handshake query
// parameters. Each "subscribe" parameter is either "type" or "type@source".
type queryConnectionInit struct {
	common.Component
}

// GetQueryConnectionInit define a query parameter based connection bootstrap
func GetQueryConnectionInit() (ConnectionInit, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "connection-init",
	}
	return &queryConnectionInit{
		Component: common.Component{LogTags: logTags},
	}, nil
}

// SetUp parse the initial subscription set from the handshake request
func (c *queryConnectionInit) SetUp(request *http.Request) ([]subscription.Selector, error) {
	initialSubs := []subscription.Selector{}
	for _, raw := range request.URL.Query()["subscribe"] {
		selector, err := parseSelector(raw)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Rejected handshake subscription %s", raw,
			)
			return nil, err
		}
		initialSubs = append(initialSubs, selector)
	}
	return initialSubs, nil
}

func parseSelector(raw string) (subscription.Selector, error) {
	eventType, eventSource, haveSource := strings.Cut(raw, "@")
	if eventType == "" {
		return subscription.Selector{}, fmt.Errorf("subscription missing event type")
	}
	if haveSource && eventSource == "" {
		return subscription.Selector{}, fmt.Errorf("subscription missing event source")
	}
	return subscription.Selector{Type: eventType, Source: eventSource}, nil
}
