// Package management provisions and inspects RabbitMQ through its management HTTP API.
//
// It sits next to the messaging core: the client package never imports it. The CLI uses it to
// provision a vhost for an application and the integration tests use it to create, inspect and
// tear down their vhost and to force connection closes.
package management

import (
	"errors"
	"fmt"
	"net/http"

	rh "github.com/michaelklishin/rabbit-hole/v2"

	"github.com/marcosimioni/messenger/internal/logging"
)

// fullAccess the permission pattern matching every resource in a vhost.
const fullAccess = ".*"

// Config the management API endpoint and credentials.
type Config struct {
	// URL the management API base url, e.g. http://localhost:15672.
	URL      string
	Username string
	Password string
	// Transport optional round tripper, set it to talk to a TLS endpoint.
	Transport http.RoundTripper
}

// QueueStats the message and consumer counts of a queue.
type QueueStats struct {
	Messages  int
	Ready     int
	Unacked   int
	Consumers int
}

// Client a management API client.
type Client struct {
	api managementAPI
}

// New builds a client for the configured endpoint.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("management: url required")
	}

	api, err := newClient(cfg.URL, cfg.Username, cfg.Password, cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("management: %w", err)
	}
	return &Client{api: api}, nil
}

// EnsureVhost creates the vhost, it is a no-op if it already exists.
func (c *Client) EnsureVhost(vhost string) error {
	if _, err := c.api.PutVhost(vhost, rh.VhostSettings{Description: "managed by messenger"}); err != nil {
		return fmt.Errorf("management: put vhost %q: %w", vhost, err)
	}
	logging.Logger.Debugf("management: vhost %q ensured", vhost)
	return nil
}

// DeleteVhost removes the vhost and everything in it, a missing vhost is not an error.
func (c *Client) DeleteVhost(vhost string) error {
	res, err := c.api.DeleteVhost(vhost)
	if err != nil && !notFound(res, err) {
		return fmt.Errorf("management: delete vhost %q: %w", vhost, err)
	}
	logging.Logger.Debugf("management: vhost %q deleted", vhost)
	return nil
}

// EnsureUser creates the user or updates its password.
func (c *Client) EnsureUser(username, password string) error {
	if username == "" {
		return errors.New("management: username required")
	}
	if _, err := c.api.PutUser(username, rh.UserSettings{Name: username, Password: password}); err != nil {
		return fmt.Errorf("management: put user %q: %w", username, err)
	}
	logging.Logger.Debugf("management: user %q ensured", username)
	return nil
}

// GrantPermissions gives the user configure, write and read access to everything in the vhost.
func (c *Client) GrantPermissions(vhost, username string) error {
	_, err := c.api.UpdatePermissionsIn(vhost, username, rh.Permissions{
		Configure: fullAccess,
		Write:     fullAccess,
		Read:      fullAccess,
	})
	if err != nil {
		return fmt.Errorf("management: grant %q on %q: %w", username, vhost, err)
	}
	return nil
}

// Provision ensures the vhost and the user, then grants the user full access to the vhost.
func (c *Client) Provision(vhost, username, password string) error {
	if err := c.EnsureVhost(vhost); err != nil {
		return err
	}
	if err := c.EnsureUser(username, password); err != nil {
		return err
	}
	if err := c.GrantPermissions(vhost, username); err != nil {
		return err
	}
	logging.Logger.Infof("management: provisioned %q for %q", vhost, username)
	return nil
}

// QueueDepth returns the message and consumer counts of a queue.
func (c *Client) QueueDepth(vhost, queue string) (QueueStats, error) {
	q, err := c.api.GetQueue(vhost, queue)
	if err != nil {
		return QueueStats{}, fmt.Errorf("management: get queue %q in %q: %w", queue, vhost, err)
	}
	return QueueStats{
		Messages:  int(q.Messages),
		Ready:     int(q.MessagesReady),
		Unacked:   int(q.MessagesUnacknowledged),
		Consumers: int(q.Consumers),
	}, nil
}

// CloseConnections force closes every client connection to the vhost, returning how many were closed.
// Connections which go away while closing are not counted.
func (c *Client) CloseConnections(vhost string) (int, error) {
	conns, err := c.api.ListConnections()
	if err != nil {
		return 0, fmt.Errorf("management: list connections: %w", err)
	}

	var closed int
	for _, conn := range conns {
		if conn.Vhost != vhost {
			continue
		}
		res, cErr := c.api.CloseConnection(conn.Name)
		if cErr != nil {
			if notFound(res, cErr) {
				continue
			}
			return closed, fmt.Errorf("management: close connection %q: %w", conn.Name, cErr)
		}
		closed++
	}

	logging.Logger.Debugf("management: closed %d connection(s) on %q", closed, vhost)
	return closed, nil
}

// notFound whether a failed call was answered with a 404.
func notFound(res *http.Response, err error) bool {
	if res != nil && res.StatusCode == http.StatusNotFound {
		return true
	}
	var rErr rh.ErrorResponse
	return errors.As(err, &rErr) && rErr.StatusCode == http.StatusNotFound
}
