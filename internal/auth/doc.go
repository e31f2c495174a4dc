// Package auth guards credential issuance with HS256 bearer tokens.
//
// Clients exchange a long-lived JWT for one-time websocket credentials:
//
//	POST /api/credentials
//	Authorization: Bearer <jwt>
//
// The token's "sub" claim names the principal and is recorded on the issued
// credential. Tokens must carry the "coven-runs" audience and an expiry; only
// HS256 signatures are accepted. When no jwt_secret is configured the middleware admits every
// request as anonymous, which suits local development.
//
// Tokens for a principal are minted with the CLI:
//
//	coven-runs token --principal alice --ttl 720h
package auth
