/*
Package network allocates control-plane ports for new workers.

FindPort walks forward from a candidate, skipping ports already claimed by the
current spawn batch, and returns the first one a Prober reports free.
PortChecker is the production Prober: a TCP connect to localhost, plus an
optional scan of /proc/net/tcp{,6} (strict mode) that also sees sockets
which are bound but not yet listening.

There is no lock around allocation. Two allocators racing for the same port
are resolved when the losing worker fails to bind its listener at startup.
*/
package network
