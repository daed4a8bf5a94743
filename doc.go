// Package peerhub exchanges discrete messages between peers over TCP.
//
// Messages are framed with a 4-byte big-endian length prefix. A Hub accepts
// connections, keeps at most one Channel per remote address and routes sends by
// Identity. Peers find a hub on the local network with Discover, which broadcasts a
// zero-length frame over UDP and reads back the hub's TCP port.
package peerhub
