package firestore

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// notFoundErr builds a status error that pfirestore.WrapError categorises as missing.
func notFoundErr(msg string) error {
	return status.Error(codes.NotFound, msg)
}
