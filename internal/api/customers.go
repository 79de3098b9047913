package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"orderwizard/internal/model"
	"orderwizard/internal/service"
)

func (d Dependencies) searchCustomers(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	customers, err := d.Customers.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	if customers == nil {
		customers = []model.Customer{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"customers": customers})
}

func (d Dependencies) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req service.CustomerInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}

	customer, err := d.Customers.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, customer)
}

func (d Dependencies) listCategories(w http.ResponseWriter, r *http.Request) {
	if d.Catalog == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"categories": []interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"categories": d.Catalog.Categories()})
}
