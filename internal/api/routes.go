package api

import (
	"context"
	"io"
	"net/http"

	"orderwizard/internal/auth"
	"orderwizard/internal/collab"
	"orderwizard/internal/service"
	"orderwizard/internal/ws"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// PhotoStore stores uploads and serves them back
type PhotoStore interface {
	service.ItemPhotoStore
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// CategoryLister exposes the price list to the UI
type CategoryLister interface {
	Categories() []collab.CatalogCategory
}

type Dependencies struct {
	Wizards   *service.WizardService
	Lifecycle *service.LifecycleService
	Customers service.CustomerDirectory
	Photos    PhotoStore
	Catalog   CategoryLister
	Hub       *ws.Hub
	Auth      *auth.JWTConfig
	Log       *zap.Logger
	// MaxUploadBytes bounds a multipart photo request; 0 means 16 MB
	MaxUploadBytes int64
	// AllowedOrigins for websocket upgrades; empty allows any origin
	AllowedOrigins []string
}

func Routes(d Dependencies) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Auth == nil {
		d.Auth = auth.NewJWTConfig("", true)
	}

	r := chi.NewRouter()
	r.Use(RequestLogger(d.Log))
	r.Use(d.Auth.Middleware)

	r.Post("/wizards", d.startWizard)
	r.Route("/wizards/{wizardId}", func(r chi.Router) {
		r.Get("/", d.getWizard)
		r.Post("/events", d.fireEvent)
		r.Post("/cancel", d.cancelWizard)
		r.Post("/extend", d.extendWizard)
		r.Delete("/stages/{stage}", d.resetStage)
		r.Post("/photos", d.uploadPhoto)
	})

	r.Get("/photos/{wizardId}/{name}", d.getPhoto)

	r.Get("/customers", d.searchCustomers)
	r.Post("/customers", d.createCustomer)
	r.Get("/catalog/categories", d.listCategories)

	r.Get("/ws", d.wsHandler)

	return r
}
