// Package session records live socket connections in Redis so operators can
// see which user is attached to which server and which rooms it joined.
// Records expire on their own if a server dies without cleaning up.
package session
