package device

import (
	"fmt"
	"reflect"
	"unsafe"
)

// Given an interface{} containing a slice return a byte view of its backing
// array. The slice must be non-empty and contain fixed-size elements.
func SliceBytes(data interface{}) ([]byte, error) {
	if b, ok := data.([]byte); ok {
		return b, nil
	}

	reflVal := reflect.ValueOf(data)
	if reflVal.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%w: expected a slice; got %T", ErrUnsupportedArg, data)
	}

	sliceElemCount := reflVal.Len()
	if sliceElemCount == 0 {
		return nil, fmt.Errorf("%w: supplied slice is empty", ErrUnsupportedArg)
	}

	elemSize := int(reflVal.Type().Elem().Size())
	ptr := unsafe.Pointer(reflVal.Index(0).Addr().Pointer())
	return unsafe.Slice((*byte)(ptr), sliceElemCount*elemSize), nil
}
