package logging

import "github.com/sirupsen/logrus"

// BaseFields builds the action + config path fields shared by CLI entry
// points.
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// EntryFields builds the per-entry fields used across create/fetch/promote
// logs so one identifier can be traced through its whole lifecycle.
func EntryFields(action, id string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"entry":  id,
	}
}
