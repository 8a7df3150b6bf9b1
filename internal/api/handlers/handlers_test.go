package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/planguard/control-plane/internal/capability"
	"github.com/planguard/control-plane/internal/collaborator"
	"github.com/planguard/control-plane/internal/execution"
	"github.com/planguard/control-plane/internal/planning"
	"github.com/planguard/control-plane/internal/store"
	"github.com/planguard/control-plane/internal/toolgw"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&store.ErrNotFound{Entity: "plan", Key: "x"}, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", &store.ErrNotFound{Entity: "plan", Key: "x"}), http.StatusNotFound},
		{capability.ErrNotFound, http.StatusNotFound},
		{capability.ErrDuplicate, http.StatusConflict},
		{&store.ErrConflict{Entity: "entity", Key: "x"}, http.StatusConflict},
		{fmt.Errorf("%w: plan: bad steps", planning.ErrInvalidRequest), http.StatusBadRequest},
		{capability.ErrForbidden, http.StatusForbidden},
		{execution.ErrApprovalRequired, http.StatusConflict},
		{fmt.Errorf("%w: p is completed", planning.ErrNotPending), http.StatusConflict},
		{planning.ErrUngrantable, http.StatusUnprocessableEntity},
		{collaborator.ErrMalformedOutput, http.StatusBadGateway},
		{collaborator.ErrUnavailable, http.StatusBadGateway},
		{toolgw.ErrProbeFailed, http.StatusBadGateway},
		{planning.ErrInvalidRequest, http.StatusBadRequest},
		{planning.ErrNoPlanner, http.StatusBadRequest},
		{capability.ErrInvalid, http.StatusBadRequest},
		{toolgw.ErrInvalidProvider, http.StatusBadRequest},
		{&store.ErrReference{Entity: "plan", Ref: "prompt", Key: "x"}, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
