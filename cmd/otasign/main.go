// Command otasign mints an update token for a firmware image and can push
// the image to a device's update receiver.
//
//	otasign -secret admin firmware.bin
//	otasign -secret admin -push 10.0.0.20:3232 firmware.bin
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/ota"
)

func main() {
	secret := flag.String("secret", "admin", "shared update secret")
	ttl := flag.Duration("ttl", 10*time.Minute, "token lifetime")
	push := flag.String("push", "", "receiver address (host:port); print the token only when empty")
	timeout := flag.Duration("timeout", 5*time.Minute, "upload timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("Open image: %v", err)
	}
	defer f.Close()

	sum, size, err := ota.Digest(f)
	if err != nil {
		log.Fatalf("Read image: %v", err)
	}
	token, err := ota.SignToken([]byte(*secret), sum, *ttl, time.Now())
	if err != nil {
		log.Fatalf("Sign: %v", err)
	}
	if *push == "" {
		fmt.Println(token)
		return
	}

	if _, err := f.Seek(0, 0); err != nil {
		log.Fatalf("Rewind image: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	log.Printf("Uploading %s (%d bytes, md5 %s) to %s", path, size, sum, *push)
	lastPct := -1
	err = ota.Upload(ctx, *push, ota.Header{Token: token, Size: size, MD5: sum}, f, func(done, total int64) {
		if pct := int(done * 100 / total); pct/10 != lastPct/10 {
			lastPct = pct
			log.Printf("Sent %d%%", pct/10*10)
		}
	})
	if err != nil {
		log.Fatalf("Upload failed: %v", err)
	}
	log.Printf("Upload complete, device is resetting")
}
