// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/go-lpc/dbinit/board"
	mail "gopkg.in/gomail.v2"
)

var sendMail = func(cfg MailConfig, msg *mail.Message) error {
	dial := mail.NewDialer(cfg.Server, cfg.Port, cfg.User, cfg.Password)
	dial.TLSConfig = &tls.Config{
		ServerName: cfg.Server,
	}
	return dial.DialAndSend(msg)
}

func alertMessage(cfg MailConfig, p board.Params, err error) *mail.Message {
	host, _ := os.Hostname()
	subject := "[dbinit-ctl] bringup failure"
	body := new(strings.Builder)
	fmt.Fprintf(body, "host:  %s\n", host)

	var berr *board.BringupError
	if errors.As(err, &berr) {
		subject = fmt.Sprintf("[dbinit-ctl] slot %d: bringup failure (%v)", berr.Slot, berr.Phase)
		fmt.Fprintf(body, "slot:  %d\nphase: %v\n", berr.Slot, berr.Phase)
	}
	fmt.Fprintf(
		body, "ref:   %v MHz\nmcr:   %v MHz\nclock: %v\ntime:  %v\nerror: %v\n",
		p.RefClock/1e6, p.MasterClock/1e6, p.ClockSource, p.TimeSource, err,
	)

	msg := mail.NewMessage()
	msg.SetHeader("From", cfg.User)
	msg.SetHeader("Bcc", cfg.To...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body.String())
	return msg
}

func alert(cfg MailConfig, p board.Params, err error) {
	if !cfg.valid() {
		log.Printf("could not send mail alert: missing credentials")
		return
	}
	e := sendMail(cfg, alertMessage(cfg, p, err))
	if e != nil {
		log.Printf("could not send mail alert: %+v", e)
	}
}
