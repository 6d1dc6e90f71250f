package server

import (
	"net/http"

	"github.com/freva-org/freva-rest/internal/common"
)

// apiPrefix is the public base path of every route.
const apiPrefix = "/api/freva-nextgen"

// setupRoutes configures all HTTP routes. Service groups that are
// switched off in the configuration never get their routes registered.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	cfg := s.app.Config

	// System
	mux.HandleFunc(apiPrefix+"/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc(apiPrefix+"/health", s.app.APIHandler.HealthHandler)

	// Auth mediation - available whenever an OIDC provider is configured
	if s.app.AuthHandler != nil {
		a := s.app.AuthHandler
		mux.HandleFunc(apiPrefix+"/auth/v2/login", a.LoginHandler)
		mux.HandleFunc(apiPrefix+"/auth/v2/callback", a.CallbackHandler)
		mux.HandleFunc(apiPrefix+"/auth/v2/token", a.TokenHandler)
		mux.HandleFunc(apiPrefix+"/auth/v2/device", a.DeviceHandler)
		mux.HandleFunc(apiPrefix+"/auth/v2/status", a.StatusHandler)
		mux.HandleFunc(apiPrefix+"/auth/v2/userinfo", a.UserInfoHandler)
		mux.HandleFunc(apiPrefix+"/auth/v2/systemuser", a.SystemUserHandler)
		mux.HandleFunc(apiPrefix+"/auth/v2/checkuser", a.CheckUserHandler)
		mux.HandleFunc(apiPrefix+"/auth/v2/logout", a.LogoutHandler)
		mux.HandleFunc(apiPrefix+"/auth/v2/auth-ports", a.AuthPortsHandler)
		mux.HandleFunc(apiPrefix+"/auth/v2/.well-known/openid-configuration", a.WellKnownHandler)
	}

	// Databrowser search surface
	if cfg.ServiceEnabled(common.ServiceDatabrowser) && s.app.DatabrowserHandler != nil {
		d := s.app.DatabrowserHandler
		mux.HandleFunc(apiPrefix+"/databrowser/overview", d.OverviewHandler)
		mux.HandleFunc(apiPrefix+"/databrowser/data-search/", d.DataSearchHandler)
		mux.HandleFunc(apiPrefix+"/databrowser/metadata-search/", d.MetadataSearchHandler)
		mux.HandleFunc(apiPrefix+"/databrowser/extended-search/", d.ExtendedSearchHandler)
		mux.HandleFunc(apiPrefix+"/databrowser/intake-catalogue/", d.IntakeHandler)
		mux.HandleFunc(apiPrefix+"/databrowser/userdata/", d.UserDataHandler)
		mux.HandleFunc(apiPrefix+"/databrowser/flavours", d.FlavoursHandler)
		mux.HandleFunc(apiPrefix+"/databrowser/flavours/", d.FlavourHandler)
	}

	// Zarr streaming data portal
	if cfg.ServiceEnabled(common.ServiceZarrStream) && s.app.ZarrHandler != nil {
		z := s.app.ZarrHandler
		mux.HandleFunc(apiPrefix+"/data-portal/zarr/convert", z.ConvertHandler)
		mux.HandleFunc(apiPrefix+"/data-portal/zarr/", z.ZarrHandlerFunc(apiPrefix+"/data-portal/zarr"))
		// Exact matches win over the zarr prefix route above.
		mux.HandleFunc(apiPrefix+"/data-portal/zarr/share-zarr", z.ShareHandler)
		mux.HandleFunc(apiPrefix+"/data-portal/share-zarr", z.ShareHandler)
		mux.HandleFunc(apiPrefix+"/data-portal/zarr-utils/status", z.StatusUtilHandler)
		mux.HandleFunc(apiPrefix+"/data-portal/zarr-utils/html", z.HTMLUtilHandler)
		mux.HandleFunc(apiPrefix+"/data-portal/share/", z.SharedHandlerFunc(apiPrefix+"/data-portal/share"))
	}

	// STAC API
	if cfg.ServiceEnabled(common.ServiceStacAPI) && s.app.StacHandler != nil {
		route := s.app.StacHandler.Route(apiPrefix + "/stacapi")
		mux.HandleFunc(apiPrefix+"/stacapi", route)
		mux.HandleFunc(apiPrefix+"/stacapi/", route)
	}

	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)
	return mux
}
