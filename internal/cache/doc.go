// Package cache implements the named cache stores the worker host manages on
// behalf of the worker: each store maps a request description (method + URL)
// to a captured response. Two backends share the same contract. The fs backend
// keeps one directory per store under StoragePath with a body file and a JSON
// metadata file per entry. The sqlite backend keeps every store in a single
// caches.db file. Both commit batches all-or-nothing so AddAll can offer the
// precache guarantee: either every manifest resource is stored or none is.
package cache
