package resilience

import apperrors "github.com/budgetbook/ledgerd/lib/errors"

// ErrCircuitOpen is returned when a call is rejected by an open circuit.
var ErrCircuitOpen = apperrors.ErrCircuitOpen
