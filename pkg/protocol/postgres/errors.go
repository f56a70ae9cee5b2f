package postgres

import (
	"github.com/jackc/pgx/v5/pgproto3"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
)

// SQLSTATE codes sent in ErrorResponse.
const (
	StateUndefinedTable        = "42P01"
	StateUndefinedObject       = "42704"
	StateSyntaxError           = "42601"
	StateInvalidPassword       = "28P01"
	StateReadOnlyTransaction   = "25006"
	StateQueryCanceled         = "57014"
	StateFeatureNotSupported   = "0A000"
	StateProtocolViolation     = "08P01"
	StateInternalError         = "XX000"
	StateConfigurationFileErr  = "F0000"
	StateInvalidParameterValue = "22023"
)

// SQLState returns the SQLSTATE for err's code.
func SQLState(err error) string {
	switch pmerrors.GetCode(err) {
	case pmerrors.ErrCodeCatalogTableNotFound:
		return StateUndefinedTable
	case pmerrors.ErrCodeExecSQLError:
		return StateUndefinedObject
	case pmerrors.ErrCodeExecSyntax:
		return StateSyntaxError
	case pmerrors.ErrCodeAuthFailed:
		return StateInvalidPassword
	case pmerrors.ErrCodeExecReadOnly:
		return StateReadOnlyTransaction
	case pmerrors.ErrCodeExecCancelled:
		return StateQueryCanceled
	case pmerrors.ErrCodeUnsupportedMessage:
		return StateFeatureNotSupported
	case pmerrors.ErrCodeProtocolError:
		return StateProtocolViolation
	case pmerrors.ErrCodeCatalogProjection:
		return StateInvalidParameterValue
	}
	if pmerrors.IsCategory(err, "configuration") {
		return StateConfigurationFileErr
	}
	return StateInternalError
}

// errorResponse builds the ErrorResponse for err. Coded errors send their
// message without the code prefix.
func errorResponse(err error) *pgproto3.ErrorResponse {
	msg := err.Error()
	var coded *pmerrors.Error
	if pmerrors.As(err, &coded) {
		msg = coded.Message
	}
	return &pgproto3.ErrorResponse{
		Severity:            "ERROR",
		SeverityUnlocalized: "ERROR",
		Code:                SQLState(err),
		Message:             msg,
	}
}
