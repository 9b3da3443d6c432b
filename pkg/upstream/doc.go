// Package upstream talks to the cluster API that owns devbox
// resources. The endpoint resolver consumes its read side; the client
// façade proxies lifecycle operations through it.
package upstream
