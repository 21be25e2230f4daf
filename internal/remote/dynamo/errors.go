package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/jun/gophboard/internal/remote"
)

// classify maps DynamoDB API errors onto remote codes. Errors without an API
// code (network failures) are returned wrapped as they are.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return remote.Status(remote.CodeDeadlineExceeded, op, err)
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		return remote.Status(remote.CodeAborted, op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "RequestLimitExceeded",
			"ThrottlingException", "LimitExceededException":
			return remote.Status(remote.CodeResourceExhausted, op, err)
		case "TransactionConflictException", "TransactionInProgressException",
			"ConditionalCheckFailedException":
			return remote.Status(remote.CodeAborted, op, err)
		case "AccessDeniedException", "UnrecognizedClientException",
			"MissingAuthenticationTokenException", "InvalidSignatureException":
			return remote.Status(remote.CodePermissionDenied, op, err)
		case "ValidationException", "SerializationException":
			return remote.Status(remote.CodeInvalidArgument, op, err)
		case "InternalServerError", "ServiceUnavailable":
			return remote.Status(remote.CodeUnavailable, op, err)
		case "ResourceNotFoundException":
			return remote.Status(remote.CodeInternal, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// conditionFailed reports whether a write or one action of a transaction
// failed its condition expression.
func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, r := range canceled.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

// classifyMissing is classify for writes guarded by attribute_exists: a
// failed condition means the document does not exist.
func classifyMissing(op, shapeID string, err error) error {
	if conditionFailed(err) {
		return remote.Status(remote.CodeNotFound, op, fmt.Errorf("shape %s", shapeID))
	}
	return classify(op, err)
}
