package middleware

import "github.com/aretw0/espalier/pkg/ports"

// Middleware allows wrapping a LedgerStore to add behavior.
type Middleware func(ports.LedgerStore) ports.LedgerStore
