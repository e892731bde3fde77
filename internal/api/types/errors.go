package types

import appErr "github.com/hubot-paas/orchestrator/pkg/errors"

func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	return &APIError{Code: string(appErr.CodeOf(err)), Message: appErr.Message(err)}
}
