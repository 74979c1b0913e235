/*
Package security covers the control plane's cryptographic concerns.

Certificates: a self-signed issuer for development and a lego-backed
ACME issuer for production, both behind the CertIssuer interface with a
ListExpiring hook for the renewal job. The ACME HTTP-01 provider hands
challenge tokens to the gateway for serving.

Secrets: AES-GCM encryption for stored credentials (IdP app secrets),
webhook secret and API token generation, SHA-256 token hashing, and
HMAC request signing with constant-time verification.
*/
package security
