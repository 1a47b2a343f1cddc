/*
Mailout - Outgoing message pipeline for desktop mail clients.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Mailout contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package exterrors

// EnhancedCode is a pair of major status code and two detail digits,
// as defined in RFC 3463.
type EnhancedCode [3]int

// SMTPError is the typed error object used to represent delivery failures
// attributed to the outgoing server exchange.
//
// It is used for SMTP failures proper and, with the code fields set from
// classification helpers, for network-level failures that happened while
// talking to the server.
type SMTPError struct {
	// Code is the basic SMTP status code.
	Code int

	// EnhancedCode is the enhanced status code (RFC 3463).
	EnhancedCode EnhancedCode

	// Message is the status text, suitable for showing to the user.
	Message string

	// TargetName identifies the transport that generated this error.
	TargetName string

	// Reason is the internal error reason, overriding Message in Error()
	// but not shown to the remote/user directly.
	Reason string

	// Misc contains extra fields to be logged along with the error,
	// e.g. the remote server name.
	Misc map[string]interface{}

	// Err is the underlying error, if any.
	Err error
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(err.Misc)+5)
	for k, v := range err.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = err.Code
	ctx["smtp_enchcode"] = err.EnhancedCode
	ctx["smtp_msg"] = err.Message
	if err.TargetName != "" {
		ctx["target"] = err.TargetName
	}
	if err.Reason != "" {
		ctx["reason"] = err.Reason
	}
	return ctx
}

// Temporary reports whether the error is transient per its status code
// (4xx codes are transient).
func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Error() string {
	if err.Reason != "" {
		return err.Reason
	}
	return err.Message
}

// SMTPCode returns the temporaryCode if the err is a temporary error (or
// does not specify) and the permanentCode otherwise.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode sets the major code digit of the base code per the
// temporary/permanent classification of err.
func SMTPEnchCode(err error, baseCode EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		baseCode[0] = 4
	} else {
		baseCode[0] = 5
	}
	return baseCode
}
