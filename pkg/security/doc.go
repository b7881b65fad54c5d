/*
Package security holds the control plane's transport security: a self-signed
certificate shared by every worker on the host, and HTTP Basic authentication
against the admin credential.

The certificate bundle (certificate followed by its EC private key) lives at
<cert_dir>/control.pem. EnsureServerCert creates it on first use and rotates
it when fewer than 30 days of validity remain. Clients pin that exact
certificate through ClientTLSConfig rather than trusting the system roots.
*/
package security
