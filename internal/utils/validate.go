package utils

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct checks the validate tags of obj.
func ValidateStruct(obj interface{}) error {
	return validate.Struct(obj)
}
