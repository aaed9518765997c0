package server

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/config"
	"github.com/tinyopds/tinyopds/pkg/downloads"
	"github.com/tinyopds/tinyopds/pkg/errcodes"
	"github.com/tinyopds/tinyopds/pkg/httpauth"
	"github.com/tinyopds/tinyopds/pkg/scanner"
	"github.com/tinyopds/tinyopds/pkg/stats"
)

// adminHandler is the JSON API behind the web admin page: settings, scanner
// control, and the request/library statistics.
type adminHandler struct {
	mu  sync.Mutex
	cfg *config.Config

	books     *books.Service
	scanner   *scanner.Scanner
	auth      *httpauth.Service
	stats     *stats.Cache
	downloads *downloads.Service
}

// settingsResponse is the runtime configuration as the admin page sees it.
// Credentials are write-only and never echoed back.
type settingsResponse struct {
	ServerName         string `json:"server_name"`
	ServerPort         int    `json:"server_port"`
	RootPrefix         string `json:"root_prefix"`
	LibraryPath        string `json:"library_path"`
	ItemsPerPage       int    `json:"items_per_page"`
	NewBooksPeriod     int    `json:"new_books_period"`
	SortOrder          string `json:"sort_order"`
	CatalogLanguage    string `json:"catalog_language"`
	LogLevel           string `json:"log_level"`
	UpdatesCheck       string `json:"updates_check"`
	OPDSStructure      int    `json:"opds_structure"`
	UseHTTPAuth        bool   `json:"use_http_auth"`
	BanClients         bool   `json:"ban_clients"`
	WrongAttemptsCount int    `json:"wrong_attempts_count"`
	RememberClients    bool   `json:"remember_clients"`
	UseAuthorsAliases  bool   `json:"use_authors_aliases"`
	UseWatcher         bool   `json:"use_watcher"`

	// ResetFields lists settings an update could not apply; each kept its
	// previous value.
	ResetFields []string `json:"reset_fields,omitempty"`
}

// settingsPayload carries a partial settings update. Nil fields stay as they
// are. Credentials and alias toggles apply immediately; port, prefix, auth
// and watcher changes take effect on the next start.
type settingsPayload struct {
	ServerName         *string `json:"server_name"`
	ServerPort         *int    `json:"server_port"`
	RootPrefix         *string `json:"root_prefix"`
	LibraryPath        *string `json:"library_path"`
	ItemsPerPage       *int    `json:"items_per_page"`
	NewBooksPeriod     *int    `json:"new_books_period"`
	SortOrder          *string `json:"sort_order"`
	CatalogLanguage    *string `json:"catalog_language"`
	LogLevel           *string `json:"log_level"`
	UpdatesCheck       *string `json:"updates_check"`
	OPDSStructure      *int    `json:"opds_structure"`
	UseHTTPAuth        *bool   `json:"use_http_auth"`
	BanClients         *bool   `json:"ban_clients"`
	WrongAttemptsCount *int    `json:"wrong_attempts_count"`
	RememberClients    *bool   `json:"remember_clients"`
	UseAuthorsAliases  *bool   `json:"use_authors_aliases"`
	UseWatcher         *bool   `json:"use_watcher"`
	// Credentials is the plain "user:pass;..." list; it is encrypted before
	// it touches the config file.
	Credentials *string `json:"credentials"`
}

func (h *adminHandler) getSettings(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.JSON(http.StatusOK, settingsFrom(h.cfg, nil))
}

func (h *adminHandler) updateSettings(c echo.Context) error {
	var payload settingsPayload
	if err := c.Bind(&payload); err != nil {
		return errors.WithStack(err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	prev := *h.cfg
	next := *h.cfg
	payload.applyTo(&next)

	if payload.Credentials != nil {
		sealed, err := config.EncryptCredentials(*payload.Credentials)
		if err != nil {
			return errors.WithStack(err)
		}
		next.Credentials = sealed
	}

	reset := next.Validate(&prev)
	*h.cfg = next

	if err := h.cfg.Save(); err != nil {
		logger.FromContext(c.Request().Context()).Err(err).Error("settings save error")
	}

	// Apply the settings live services can pick up without a restart.
	h.books.SetUseAliases(h.cfg.UseAuthorsAliases)
	if payload.Credentials != nil {
		h.auth.SetCredentials(h.cfg.CredentialList())
	}

	return c.JSON(http.StatusOK, settingsFrom(h.cfg, reset))
}

func settingsFrom(cfg *config.Config, reset []string) settingsResponse {
	return settingsResponse{
		ServerName:         cfg.ServerName,
		ServerPort:         cfg.ServerPort,
		RootPrefix:         cfg.RootPrefix,
		LibraryPath:        cfg.LibraryPath,
		ItemsPerPage:       cfg.ItemsPerPage,
		NewBooksPeriod:     cfg.NewBooksPeriod,
		SortOrder:          cfg.SortOrder,
		CatalogLanguage:    cfg.CatalogLanguage,
		LogLevel:           cfg.LogLevel,
		UpdatesCheck:       cfg.UpdatesCheck,
		OPDSStructure:      cfg.OPDSStructure,
		UseHTTPAuth:        cfg.UseHTTPAuth,
		BanClients:         cfg.BanClients,
		WrongAttemptsCount: cfg.WrongAttemptsCount,
		RememberClients:    cfg.RememberClients,
		UseAuthorsAliases:  cfg.UseAuthorsAliases,
		UseWatcher:         cfg.UseWatcher,
		ResetFields:        reset,
	}
}

func (p *settingsPayload) applyTo(cfg *config.Config) {
	if p.ServerName != nil {
		cfg.ServerName = *p.ServerName
	}
	if p.ServerPort != nil {
		cfg.ServerPort = *p.ServerPort
	}
	if p.RootPrefix != nil {
		cfg.RootPrefix = *p.RootPrefix
	}
	if p.LibraryPath != nil {
		cfg.LibraryPath = *p.LibraryPath
	}
	if p.ItemsPerPage != nil {
		cfg.ItemsPerPage = *p.ItemsPerPage
	}
	if p.NewBooksPeriod != nil {
		cfg.NewBooksPeriod = *p.NewBooksPeriod
	}
	if p.SortOrder != nil {
		cfg.SortOrder = *p.SortOrder
	}
	if p.CatalogLanguage != nil {
		cfg.CatalogLanguage = *p.CatalogLanguage
	}
	if p.LogLevel != nil {
		cfg.LogLevel = *p.LogLevel
	}
	if p.UpdatesCheck != nil {
		cfg.UpdatesCheck = *p.UpdatesCheck
	}
	if p.OPDSStructure != nil {
		cfg.OPDSStructure = *p.OPDSStructure
	}
	if p.UseHTTPAuth != nil {
		cfg.UseHTTPAuth = *p.UseHTTPAuth
	}
	if p.BanClients != nil {
		cfg.BanClients = *p.BanClients
	}
	if p.WrongAttemptsCount != nil {
		cfg.WrongAttemptsCount = *p.WrongAttemptsCount
	}
	if p.RememberClients != nil {
		cfg.RememberClients = *p.RememberClients
	}
	if p.UseAuthorsAliases != nil {
		cfg.UseAuthorsAliases = *p.UseAuthorsAliases
	}
	if p.UseWatcher != nil {
		cfg.UseWatcher = *p.UseWatcher
	}
}

func (h *adminHandler) startScanner(c echo.Context) error {
	h.mu.Lock()
	root := h.cfg.LibraryPath
	h.mu.Unlock()

	err := h.scanner.Start(root)
	if errors.Is(err, scanner.ErrAlreadyRunning) {
		return errcodes.ValidationError("A scan is already running.")
	}
	if err != nil {
		return errors.WithStack(err)
	}
	return c.JSON(http.StatusAccepted, h.scanner.Snapshot())
}

func (h *adminHandler) stopScanner(c echo.Context) error {
	h.scanner.Stop()
	return c.JSON(http.StatusOK, h.scanner.Snapshot())
}

func (h *adminHandler) scannerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.scanner.Snapshot())
}

// statsResponse joins the library totals with the server request counters.
type statsResponse struct {
	Library   stats.Totals   `json:"library"`
	NewBooks  int            `json:"new_books"`
	Downloads int            `json:"downloads"`
	Server    httpauth.Stats `json:"server"`
}

func (h *adminHandler) getStats(c echo.Context) error {
	ctx := c.Request().Context()

	totals, err := h.stats.Totals(ctx)
	if err != nil {
		return err
	}
	newCount, err := h.stats.NewBooksCount(ctx)
	if err != nil {
		return err
	}
	downloadCount, err := h.downloads.Count(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, statsResponse{
		Library:   totals,
		NewBooks:  newCount,
		Downloads: downloadCount,
		Server:    h.auth.Snapshot(),
	})
}

// cleanupLibrary removes every book whose file no longer exists on disk.
func (h *adminHandler) cleanupLibrary(c echo.Context) error {
	ctx := c.Request().Context()

	removed, err := h.books.DeleteMissing(ctx)
	if err != nil {
		return err
	}

	logger.FromContext(c.Request().Context()).Info("library cleanup", logger.Data{"removed": len(removed)})
	return c.JSON(http.StatusOK, map[string]int{"removed": len(removed)})
}
