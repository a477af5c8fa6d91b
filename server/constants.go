package server

import "github.com/nedpals/nfc-bridge/buildinfo"

// mDNS service discovery constants
var (
	MDNSServiceType = "_nfc-bridge._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// Routes
const (
	RouteWebSocket = "/ws"
	RouteHealth    = "/api/v1/health"
	RouteMethods   = "/api/v1/methods"
	RouteCACert    = "/ca.pem"
)

// CORS configuration
var (
	CORSAllowOrigins = []string{"https://*", "http://*"}
	CORSAllowMethods = []string{"GET", "OPTIONS"}
	CORSAllowHeaders = []string{"Accept", "Content-Type", "Authorization"}
)
