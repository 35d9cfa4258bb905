/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package core

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpd/ntp/protocol"
)

func (e *Engine) logSent(p *protocol.Packet, msg string, v ...interface{}) {
	log.Debugf(color.GreenString("[%s] client -> %s (%s)", e.name, p.Mode(), fmt.Sprintf(msg, v...)))
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Trace(spew.Sdump(p))
	}
}

func (e *Engine) logReceive(p *protocol.Packet, msg string, v ...interface{}) {
	log.Debugf(color.BlueString("[%s] server -> %s (%s)", e.name, p.Mode(), fmt.Sprintf(msg, v...)))
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Trace(spew.Sdump(p))
	}
}

// logDropped dumps a packet that failed the checks
func (e *Engine) logDropped(v interface{}) {
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[%s] dropped packet:\n%s", e.name, spew.Sdump(v))
	}
}
