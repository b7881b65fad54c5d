package jobs

import (
	"fmt"

	"github.com/cuemby/exaworker/pkg/types"
)

// handlerErrorTag in the high bits marks a handler sub-error in the low 16 bits
const handlerErrorTag = 0x701

// TranslateCode turns a handler status code into the request's error columns
func TranslateCode(code int) (string, string) {
	if code == 0 {
		return types.NoError, ""
	}
	if code > 0 && code>>16 == handlerErrorTag {
		sub := code & 0xFFFF
		return fmt.Sprintf("%s-%d", types.ErrCodeHandler, sub), fmt.Sprintf("handler reported error %d", sub)
	}
	if code < 0 {
		return fmt.Sprintf("-0x%X", -code), fmt.Sprintf("handler failed with status -0x%X", -code)
	}
	return fmt.Sprintf("0x%X", code), fmt.Sprintf("handler failed with status 0x%X", code)
}
