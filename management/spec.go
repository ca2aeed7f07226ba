package management

import (
	"net/http"

	rh "github.com/michaelklishin/rabbit-hole/v2"
)

// the file narrows the rabbit-hole client to the calls this package makes, so it can be replaced in tests.

// newClient builds the management client, a nil transport uses the default HTTP client.
var newClient = func(uri, username, password string, transport http.RoundTripper) (managementAPI, error) {
	var (
		c   *rh.Client
		err error
	)
	if transport != nil {
		c, err = rh.NewTLSClient(uri, username, password, transport)
	} else {
		c, err = rh.NewClient(uri, username, password)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// see: github.com/michaelklishin/rabbit-hole/v2
type managementAPI interface {
	PutVhost(vhost string, settings rh.VhostSettings) (*http.Response, error)
	DeleteVhost(vhost string) (*http.Response, error)
	PutUser(username string, settings rh.UserSettings) (*http.Response, error)
	UpdatePermissionsIn(vhost, username string, permissions rh.Permissions) (*http.Response, error)
	GetQueue(vhost, queue string) (*rh.DetailedQueueInfo, error)
	ListConnections() ([]rh.ConnectionInfo, error)
	CloseConnection(name string) (*http.Response, error)
}
