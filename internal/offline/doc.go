// Package offline is the client side of the chat when it is not in the
// foreground: a versioned cache of static assets that keeps the application
// loadable without a network, and a poller that turns unseen room messages
// into local notifications.
package offline

import "net/http"

// Doer issues HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}
