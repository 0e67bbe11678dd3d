// Package nlog is OCR's thin leveled-logging façade around glog: callers
// log through here, never through glog directly, so the verbosity-gated
// FastV checks stay in one place.
package nlog

import (
	"fmt"

	"github.com/golang/glog"
)

// Smodule names the component making a FastV check, one per package.
// FastV accepts it but gates on the verbosity level alone; log lines are not
// tagged with it.
type Smodule int32

const (
	SmoduleGuid Smodule = iota
	SmoduleDeque
	SmoduleEvent
	SmoduleDatablock
	SmoduleEdt
	SmoduleWorker
	SmodulePD
	SmoduleAffinity
	SmoduleRunlevel
	SmoduleRuntime
)

func (s Smodule) String() string {
	switch s {
	case SmoduleGuid:
		return "guid"
	case SmoduleDeque:
		return "deque"
	case SmoduleEvent:
		return "event"
	case SmoduleDatablock:
		return "datablock"
	case SmoduleEdt:
		return "edt"
	case SmoduleWorker:
		return "worker"
	case SmodulePD:
		return "pd"
	case SmoduleAffinity:
		return "affinity"
	case SmoduleRunlevel:
		return "runlevel"
	default:
		return "runtime"
	}
}

func Infoln(args ...interface{})  { glog.InfoDepth(1, args...) }
func Warnln(args ...interface{})  { glog.WarningDepth(1, args...) }
func Errorln(args ...interface{}) { glog.ErrorDepth(1, args...) }

func Infof(format string, args ...interface{})  { glog.InfoDepth(1, fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...interface{})  { glog.WarningDepth(1, fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...interface{}) { glog.ErrorDepth(1, fmt.Sprintf(format, args...)) }

// FastV is a verbosity-gated trace check, cheap enough to call on a hot
// path since glog.V(level) is a single atomic load when tracing is
// disabled.
func FastV(level int32, _ Smodule) bool { return bool(glog.V(glog.Level(level))) }
