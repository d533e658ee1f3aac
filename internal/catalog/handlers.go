package catalog

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/storefront-gateway/internal/httpmw"
	"github.com/keithlinneman/storefront-gateway/internal/log"
	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

// API adapts a Service to JSON handlers. Handlers expect the structured
// body stage in front of them and chi to have matched an {id} param where
// one is used.
type API struct {
	Service Service
}

type searchResponse struct {
	Items []Product `json:"items"`
}

func intQuery(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err == nil && n < 0 {
		err = xerrors.Newf("%s is negative", key)
	}
	if err != nil {
		return 0, xerrors.ClientInput(xerrors.Wrapf(err, "parse %s", key), http.StatusBadRequest, "Invalid "+key+" parameter")
	}
	return n, nil
}

func productID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", xerrors.ClientInput(xerrors.Wrap(err, "parse product id"), http.StatusBadRequest, "Invalid product id")
	}
	return id.String(), nil
}

// serviceError classifies a Service failure for the error boundary. It
// returns nil when the request context is already done since the timeout
// guard has answered by then.
func serviceError(r *http.Request, err error, op string) error {
	if cerr := r.Context().Err(); cerr != nil && errors.Is(err, cerr) {
		log.FromContext(r.Context()).Debug(r.Context(), "catalog call abandoned", "op", op)
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return xerrors.ClientInput(err, http.StatusNotFound, "Product not found")
	}
	if msg, ok := ValidationMessage(err); ok {
		return xerrors.ClientInput(err, http.StatusBadRequest, msg)
	}
	return xerrors.Upstream(xerrors.Wrapf(err, "catalog %s", op))
}

func (a *API) List(w http.ResponseWriter, r *http.Request) error {
	limit, err := intQuery(r, "limit")
	if err != nil {
		return err
	}
	page, err := a.Service.List(r.Context(), ListQuery{
		Category: r.URL.Query().Get("category"),
		Cursor:   r.URL.Query().Get("cursor"),
		Limit:    limit,
	})
	if err != nil {
		return serviceError(r, err, "list")
	}
	httpmw.WriteJSON(w, r, http.StatusOK, page)
	return nil
}

func (a *API) Search(w http.ResponseWriter, r *http.Request) error {
	limit, err := intQuery(r, "limit")
	if err != nil {
		return err
	}
	items, err := a.Service.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		return serviceError(r, err, "search")
	}
	httpmw.WriteJSON(w, r, http.StatusOK, searchResponse{Items: items})
	return nil
}

func (a *API) Get(w http.ResponseWriter, r *http.Request) error {
	id, err := productID(r)
	if err != nil {
		return err
	}
	p, err := a.Service.Get(r.Context(), id)
	if err != nil {
		return serviceError(r, err, "get")
	}
	httpmw.WriteJSON(w, r, http.StatusOK, p)
	return nil
}

func (a *API) Create(w http.ResponseWriter, r *http.Request) error {
	var req CreateRequest
	if err := httpmw.Bind(r, &req); err != nil {
		return err
	}
	p, err := a.Service.Create(r.Context(), req)
	if err != nil {
		return serviceError(r, err, "create")
	}
	log.FromContext(r.Context()).Info(r.Context(), "product created", "product.id", p.ID)
	w.Header().Set("Location", "/api/products/"+p.ID)
	httpmw.WriteJSON(w, r, http.StatusCreated, p)
	return nil
}

func (a *API) Update(w http.ResponseWriter, r *http.Request) error {
	id, err := productID(r)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := httpmw.Bind(r, &req); err != nil {
		return err
	}
	p, err := a.Service.Update(r.Context(), id, req)
	if err != nil {
		return serviceError(r, err, "update")
	}
	httpmw.WriteJSON(w, r, http.StatusOK, p)
	return nil
}

func (a *API) Delete(w http.ResponseWriter, r *http.Request) error {
	id, err := productID(r)
	if err != nil {
		return err
	}
	if err := a.Service.Delete(r.Context(), id); err != nil {
		return serviceError(r, err, "delete")
	}
	log.FromContext(r.Context()).Info(r.Context(), "product deleted", "product.id", id)
	w.WriteHeader(http.StatusNoContent)
	return nil
}
