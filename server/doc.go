/*
Package server exposes a series.Controller over JSON/HTTP.

# Basic Usage

	store := memory.New()
	engine := recurrence.NewEngine()
	controller := series.NewController(store, engine, tenant.NewStatic("1", "2"))

	actors := authmemory.New()
	_ = actors.AddActor(auth.Actor{ID: "alice", TenantIDs: []string{"1"}})

	srv, err := server.New(controller, actors)
	if err != nil {
		log.Fatal(err)
	}
	http.ListenAndServe(":8080", srv)

# Routes

  - POST /series - create a series from a JSON definition
  - POST /series/import - create series from a text/calendar or xCal upload
  - GET /series/{id} - read a series (?format=json|ics|xcal)
  - PATCH /series/{id}?scope=all|single|future&date=YYYY-MM-DD - patch a series
  - DELETE /series/{id}?scope=all|single|future&date=YYYY-MM-DD - delete a series or occurrences
  - POST /series/{id}/review - approve, reject or cancel a series
  - GET /occurrences?start=&end=&tenant= - list occurrences (?format=json|ics|xcal)
  - GET /healthz - liveness probe, unauthenticated

# Identity

Every other route needs an actor. The auth.Resolver passed to New reads it
from the headers set by the authenticating proxy in front of the server:
X-Actor-ID and optionally X-Tenant-ID to select the active tenant.

# Concurrency

Series carry a lock version, returned as the ETag of series responses. A
PATCH with If-Match (or a lock_version field) fails with 409 Conflict when
the series changed in between.
*/
package server
