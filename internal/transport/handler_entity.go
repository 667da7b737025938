package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/aiconsole/internal/control"
	"github.com/pitabwire/aiconsole/internal/definition"
	"github.com/pitabwire/aiconsole/model"
)

// itemsResponse is the plain (non-table) items listing.
type itemsResponse struct {
	Entity string           `json:"entity"`
	Items  []map[string]any `json:"items"`
	Total  int              `json:"total"`
}

func handleListEntities(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := CapabilitiesFrom(r.Context())
		out := []model.EntitySummary{}
		for _, def := range registry.All() {
			if !caps.Has(def.ReadCapability()) {
				continue
			}
			desc, _ := registry.Descriptor(def.Name)
			out = append(out, model.EntitySummary{
				Name:     def.Name,
				Label:    def.Label,
				StateKey: desc.StateKey,
				Service:  desc.Service,
				CanWrite: caps.Has(def.WriteCapability()),
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"entities": out,
			"checksum": registry.Checksum(),
		})
	}
}

func handleGetDescriptor(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		desc, ok := registry.Descriptor(scopeFrom(r.Context()).def.Name)
		if !ok {
			WriteNotFound(w, "entity was removed")
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleGetControls(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		desc, ok := registry.Descriptor(scopeFrom(r.Context()).def.Name)
		if !ok {
			WriteNotFound(w, "entity was removed")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"entity":   desc.Name,
			"controls": desc.Fields,
		})
	}
}

// handleListItems dispatches getItems through the session tree. With
// ?view=table the items are shaped into the entity's table; sort and dir
// override the default sort.
func handleListItems(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	key, err := sc.ws.Key(sc.def.Name, "getItems")
	if err != nil {
		respondError(w, r, err)
		return
	}
	v, err := sc.ws.Tree().Dispatch(r.Context(), key, nil)
	if err != nil {
		respondError(w, r, err)
		return
	}
	items, _ := v.([]map[string]any)

	q := r.URL.Query()
	if q.Get("view") != "table" {
		WriteJSON(w, http.StatusOK, itemsResponse{Entity: sc.def.Name, Items: items, Total: len(items)})
		return
	}

	s, err := sc.ws.Store(sc.def.Name)
	if err != nil {
		respondError(w, r, err)
		return
	}
	dir := q.Get("dir")
	if dir != "" && dir != control.SortAsc && dir != control.SortDesc {
		WriteError(w, model.NewBadRequestError("dir must be asc or desc"))
		return
	}
	table, err := control.BuildTable(s.Descriptor(), items, q.Get("sort"), dir == control.SortDesc)
	if err != nil {
		WriteError(w, model.NewBadRequestError(err.Error()))
		return
	}
	WriteJSON(w, http.StatusOK, table)
}

// handleGetItem serves one item from the session's list, loading the list
// first when the item is not in it yet.
func handleGetItem(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	id := chi.URLParam(r, "id")
	s, err := sc.ws.Store(sc.def.Name)
	if err != nil {
		respondError(w, r, err)
		return
	}

	item, ok := s.Item(id)
	if !ok {
		if err := s.GetItems(r.Context()); err != nil {
			respondError(w, r, err)
			return
		}
		item, ok = s.Item(id)
	}
	if !ok {
		WriteNotFound(w, "item "+id+" not found")
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

func handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	key, err := sc.ws.Key(sc.def.Name, "deleteItem")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := sc.ws.Tree().Dispatch(r.Context(), key, chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
