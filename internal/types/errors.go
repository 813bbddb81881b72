package types

import (
	"encoding/json"
	"sort"
	"strings"
)

// ThingError is the domain outcome of a thing operation. It travels inside
// response params (as "deviceError") and never replaces the transport status.
// Codes are open-ended: unknown names decode verbatim and render as
// "unknown error".
type ThingError string

const (
	ThingErrorNoError                      ThingError = "ThingErrorNoError"
	ThingErrorPluginNotFound               ThingError = "ThingErrorPluginNotFound"
	ThingErrorVendorNotFound               ThingError = "ThingErrorVendorNotFound"
	ThingErrorThingNotFound                ThingError = "ThingErrorThingNotFound"
	ThingErrorThingClassNotFound           ThingError = "ThingErrorThingClassNotFound"
	ThingErrorActionTypeNotFound           ThingError = "ThingErrorActionTypeNotFound"
	ThingErrorStateTypeNotFound            ThingError = "ThingErrorStateTypeNotFound"
	ThingErrorEventTypeNotFound            ThingError = "ThingErrorEventTypeNotFound"
	ThingErrorThingDescriptorNotFound      ThingError = "ThingErrorThingDescriptorNotFound"
	ThingErrorMissingParameter             ThingError = "ThingErrorMissingParameter"
	ThingErrorInvalidParameter             ThingError = "ThingErrorInvalidParameter"
	ThingErrorSetupFailed                  ThingError = "ThingErrorSetupFailed"
	ThingErrorDuplicateUuid                ThingError = "ThingErrorDuplicateUuid"
	ThingErrorCreationMethodNotSupported   ThingError = "ThingErrorCreationMethodNotSupported"
	ThingErrorSetupMethodNotSupported      ThingError = "ThingErrorSetupMethodNotSupported"
	ThingErrorHardwareNotAvailable         ThingError = "ThingErrorHardwareNotAvailable"
	ThingErrorHardwareFailure              ThingError = "ThingErrorHardwareFailure"
	ThingErrorAuthenticationFailure        ThingError = "ThingErrorAuthenticationFailure"
	ThingErrorAsync                        ThingError = "ThingErrorAsync"
	ThingErrorThingInUse                   ThingError = "ThingErrorThingInUse"
	ThingErrorThingInRule                  ThingError = "ThingErrorThingInRule"
	ThingErrorPairingTransactionIdNotFound ThingError = "ThingErrorPairingTransactionIdNotFound"
	ThingErrorItemNotFound                 ThingError = "ThingErrorItemNotFound"
	ThingErrorItemNotExecutable            ThingError = "ThingErrorItemNotExecutable"
	ThingErrorUnsupportedFeature           ThingError = "ThingErrorUnsupportedFeature"
	ThingErrorTimeout                      ThingError = "ThingErrorTimeout"
)

var thingErrorHints = map[ThingError]string{
	ThingErrorNoError:                      "success",
	ThingErrorPluginNotFound:               "the plugin could not be found",
	ThingErrorVendorNotFound:               "the vendor could not be found",
	ThingErrorThingNotFound:                "the device could not be found",
	ThingErrorThingClassNotFound:           "the device class could not be found",
	ThingErrorActionTypeNotFound:           "the action type could not be found",
	ThingErrorStateTypeNotFound:            "the state type could not be found",
	ThingErrorEventTypeNotFound:            "the event type could not be found",
	ThingErrorThingDescriptorNotFound:      "the device descriptor could not be found",
	ThingErrorMissingParameter:             "some parameters are missing",
	ThingErrorInvalidParameter:             "invalid parameter",
	ThingErrorSetupFailed:                  "setup failed",
	ThingErrorDuplicateUuid:                "the uuid already exists",
	ThingErrorCreationMethodNotSupported:   "the selected create method is not supported for this device",
	ThingErrorSetupMethodNotSupported:      "the selected setup method is not supported for this device",
	ThingErrorHardwareNotAvailable:         "the hardware is not available",
	ThingErrorHardwareFailure:              "hardware failure, something went wrong with the hardware",
	ThingErrorAuthenticationFailure:        "authentication failed, check the credentials and try again",
	ThingErrorAsync:                        "the response will need some time",
	ThingErrorThingInUse:                   "the device is currently in use, try again later",
	ThingErrorThingInRule:                  "the device is used in a rule",
	ThingErrorPairingTransactionIdNotFound: "the pairing transaction id could not be found",
	ThingErrorItemNotFound:                 "the browser item could not be found",
	ThingErrorItemNotExecutable:            "the browser item is not executable",
	ThingErrorUnsupportedFeature:           "the device does not support this feature",
	ThingErrorTimeout:                      "the operation timed out",
}

// legacyThingErrors maps the older DeviceError* vocabulary onto ThingError.
var legacyThingErrors = map[string]ThingError{
	"DeviceErrorDeviceNotFound":           ThingErrorThingNotFound,
	"DeviceErrorDeviceClassNotFound":      ThingErrorThingClassNotFound,
	"DeviceErrorDeviceDescriptorNotFound": ThingErrorThingDescriptorNotFound,
	"DeviceErrorDeviceInUse":              ThingErrorThingInUse,
	"DeviceErrorDeviceInRule":             ThingErrorThingInRule,
}

// ParseThingError accepts both ThingError* and legacy DeviceError* names.
// Unknown names are kept verbatim.
func ParseThingError(s string) ThingError {
	if e, ok := legacyThingErrors[s]; ok {
		return e
	}
	if rest, ok := strings.CutPrefix(s, "DeviceError"); ok {
		if e := ThingError("ThingError" + rest); e.Known() {
			return e
		}
	}
	return ThingError(s)
}

// Known reports whether e is one of the defined codes.
func (e ThingError) Known() bool {
	_, ok := thingErrorHints[e]
	return ok
}

// OK reports whether e means success.
func (e ThingError) OK() bool {
	return e == ThingErrorNoError
}

// ThingErrors returns every defined code, sorted.
func ThingErrors() []ThingError {
	out := make([]ThingError, 0, len(thingErrorHints))
	for e := range thingErrorHints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Hint returns a human-readable description, "unknown error" for unknown codes.
func (e ThingError) Hint() string {
	if h, ok := thingErrorHints[e]; ok {
		return h
	}
	return "unknown error"
}

func (e *ThingError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Never fail a response on an odd error field.
		*e = ThingError(strings.Trim(string(data), `"`))
		return nil
	}
	*e = ParseThingError(s)
	return nil
}

// RuleError is the domain outcome of a rule operation, carried as "ruleError".
type RuleError string

const (
	RuleErrorNoError                    RuleError = "RuleErrorNoError"
	RuleErrorInvalidRuleId              RuleError = "RuleErrorInvalidRuleId"
	RuleErrorRuleNotFound               RuleError = "RuleErrorRuleNotFound"
	RuleErrorThingNotFound              RuleError = "RuleErrorThingNotFound"
	RuleErrorEventTypeNotFound          RuleError = "RuleErrorEventTypeNotFound"
	RuleErrorStateTypeNotFound          RuleError = "RuleErrorStateTypeNotFound"
	RuleErrorActionTypeNotFound         RuleError = "RuleErrorActionTypeNotFound"
	RuleErrorInvalidParameter           RuleError = "RuleErrorInvalidParameter"
	RuleErrorInvalidRuleFormat          RuleError = "RuleErrorInvalidRuleFormat"
	RuleErrorMissingParameter           RuleError = "RuleErrorMissingParameter"
	RuleErrorInvalidRuleActionParameter RuleError = "RuleErrorInvalidRuleActionParameter"
	RuleErrorInvalidStateEvaluatorValue RuleError = "RuleErrorInvalidStateEvaluatorValue"
	RuleErrorTypesNotMatching           RuleError = "RuleErrorTypesNotMatching"
	RuleErrorNotExecutable              RuleError = "RuleErrorNotExecutable"
	RuleErrorNoExitActions              RuleError = "RuleErrorNoExitActions"
)

var ruleErrorHints = map[RuleError]string{
	RuleErrorNoError:                    "success",
	RuleErrorInvalidRuleId:              "the rule id is not valid",
	RuleErrorRuleNotFound:               "the rule could not be found",
	RuleErrorThingNotFound:              "the device could not be found for this rule",
	RuleErrorEventTypeNotFound:          "the event type could not be found for this rule",
	RuleErrorStateTypeNotFound:          "the state type could not be found for this rule",
	RuleErrorActionTypeNotFound:         "the action type could not be found for this rule",
	RuleErrorInvalidParameter:           "invalid parameter in this rule",
	RuleErrorInvalidRuleFormat:          "the rule is not well formed",
	RuleErrorMissingParameter:           "some parameters are missing in this rule",
	RuleErrorInvalidRuleActionParameter: "invalid rule action parameter",
	RuleErrorInvalidStateEvaluatorValue: "invalid state evaluator value",
	RuleErrorTypesNotMatching:           "the parameter types do not match",
	RuleErrorNotExecutable:              "the rule is not executable",
	RuleErrorNoExitActions:              "the rule has no exit actions",
}

var legacyRuleErrors = map[string]RuleError{
	"RuleErrorDeviceNotFound": RuleErrorThingNotFound,
}

// ParseRuleError accepts current and legacy names. Unknown names are kept verbatim.
func ParseRuleError(s string) RuleError {
	if e, ok := legacyRuleErrors[s]; ok {
		return e
	}
	return RuleError(s)
}

// RuleErrors returns every defined code, sorted.
func RuleErrors() []RuleError {
	out := make([]RuleError, 0, len(ruleErrorHints))
	for e := range ruleErrorHints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e RuleError) Known() bool {
	_, ok := ruleErrorHints[e]
	return ok
}

func (e RuleError) OK() bool {
	return e == RuleErrorNoError
}

// Hint returns a human-readable description, "unknown error" for unknown codes.
func (e RuleError) Hint() string {
	if h, ok := ruleErrorHints[e]; ok {
		return h
	}
	return "unknown error"
}

func (e *RuleError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*e = RuleError(strings.Trim(string(data), `"`))
		return nil
	}
	*e = ParseRuleError(s)
	return nil
}
