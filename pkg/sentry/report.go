// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sentry

import (
	"fmt"

	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
)

// ReportIssue logs err and forwards it to sentry, subject to debouncing.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context data that will be included in Sentry.
// Values of simple types become tags, everything else becomes extra data.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if err == nil {
		return
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeError:
		reportError(err, log, context)
	default:
		reportWarning(err, log, context)
	}
}

// ReportGoalIssuef reports a problem with a single goal of an action.
func ReportGoalIssuef(issueType IssueType, log *zap.SugaredLogger, actionName, goalID, operation string, template string, args ...interface{}) {
	context := map[string]interface{}{
		"action":    actionName,
		"goal_id":   goalID,
		"operation": operation,
	}
	ReportIssueWithContext(fmt.Errorf(template, args...), issueType, log, context)
}
