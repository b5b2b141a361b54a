// Command fieldctl is the reference remote controller for a FieldLink
// vehicle: it enrolls against the vehicle's CA, then issues signed
// commands over the mutually authenticated control channel.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/version"
)

func usage() {
	fmt.Fprintf(os.Stderr, `fieldctl v%s - FieldLink vehicle controller

Usage: fieldctl [flags] <command> [args]

Commands:
  enroll -code CODE [-name NAME]   enroll this controller with the vehicle
  move SPEED DIRECTION             command a move (m/s, signed; direction in degrees)
  navigate X,Y [X,Y ...]           navigate through waypoints
  boundaries X,Y X,Y X,Y [...]     set the field boundary polygon (>= 3 points)
  stop                             stop the vehicle
  estop                            EMERGENCY STOP
  status [SUBSYSTEM]               query vehicle status
  watch                            stream vehicle events until interrupted

Flags:
`, version.Version)
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("vehicle", "localhost:8443", "Vehicle control address")
	provisionAddr := flag.String("provision", "localhost:8444", "Vehicle provisioning address (enroll only)")
	credDir := flag.String("creds", defaultCredDir(), "Credentials directory")
	compress := flag.Bool("compress", false, "Negotiate compressed frames")
	encrypt := flag.Bool("encrypt", false, "Encrypt command payloads for the vehicle")
	code := flag.String("code", "", "Enrollment code (enroll only)")
	name := flag.String("name", "", "Controller name (enroll only)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if args[0] == "enroll" {
		runEnroll(*provisionAddr, *credDir, *code, *name)
		return
	}

	creds, err := LoadCredentials(*credDir)
	if err != nil {
		log.Fatalf("%v", err)
	}

	client, err := Dial(*addr, creds, *compress)
	if err != nil {
		log.Fatalf("Connect: %v", err)
	}
	defer client.Close() //nolint:errcheck
	client.encrypt = *encrypt

	if err := client.Authenticate(); err != nil {
		log.Fatalf("Authenticate: %v", err)
	}

	switch args[0] {
	case "move":
		runMove(client, args[1:])
	case "navigate":
		runNavigate(client, args[1:])
	case "boundaries":
		runBoundaries(client, args[1:])
	case "stop":
		runSimple(client, protocol.CmdStop)
	case "estop":
		runSimple(client, protocol.CmdEmergencyStop)
	case "status":
		runStatus(client, args[1:])
	case "watch":
		runWatch(client)
	default:
		usage()
		os.Exit(2)
	}

	if _, err := client.Send(protocol.CmdLogout, nil); err != nil {
		log.Printf("Logout: %v", err)
	}
}

func runEnroll(provisionAddr, credDir, code, name string) {
	if code == "" {
		log.Fatalf("enroll requires -code")
	}
	if name == "" {
		name, _ = os.Hostname()
	}

	creds, err := Enroll(provisionAddr, code, name)
	if err != nil {
		log.Fatalf("Enroll: %v", err)
	}
	if err := SaveCredentials(credDir, creds); err != nil {
		log.Fatalf("Save credentials: %v", err)
	}

	fmt.Printf("Enrolled as %s\n", creds.ClientID)
	fmt.Printf("Vehicle fingerprint: %s\n", creds.VehicleFingerprint)
	fmt.Printf("Credentials saved to %s\n", credentialsPath(credDir))
}

func runMove(client *Client, args []string) {
	if len(args) != 2 {
		log.Fatalf("move requires SPEED and DIRECTION")
	}
	speed, err1 := strconv.ParseFloat(args[0], 64)
	direction, err2 := strconv.ParseFloat(args[1], 64)
	if err1 != nil || err2 != nil {
		log.Fatalf("move requires numeric SPEED and DIRECTION")
	}

	data, _ := json.Marshal(map[string]float64{"speed": speed, "direction": direction})
	sendAndPrint(client, protocol.CmdMove, data)
}

func runNavigate(client *Client, args []string) {
	waypoints := parsePoints(args)
	if len(waypoints) == 0 {
		log.Fatalf("navigate requires at least one X,Y waypoint")
	}
	data, _ := json.Marshal(map[string]any{"waypoints": waypoints})
	sendAndPrint(client, protocol.CmdNavigate, data)
}

func runBoundaries(client *Client, args []string) {
	points := parsePoints(args)
	if len(points) < 3 {
		log.Fatalf("boundaries requires at least 3 X,Y points")
	}
	data, _ := json.Marshal(map[string]any{"points": points})
	sendAndPrint(client, protocol.CmdSetBoundaries, data)
}

func runSimple(client *Client, cmdType string) {
	sendAndPrint(client, cmdType, nil)
}

func runStatus(client *Client, args []string) {
	var data json.RawMessage
	if len(args) > 0 {
		data, _ = json.Marshal(map[string]string{"subsystem": args[0]})
	}
	sendAndPrint(client, protocol.CmdGetStatus, data)
}

func runWatch(client *Client) {
	fmt.Println("Watching vehicle events (Ctrl-C to stop)")
	for {
		resp, err := client.ReadResponse()
		if err != nil {
			log.Fatalf("Stream ended: %v", err)
		}
		switch resp.Type {
		case protocol.MsgEvent:
			printJSON(resp.Data)
		case protocol.MsgBatch:
			var batch protocol.Batch
			if err := json.Unmarshal(resp.Data, &batch); err != nil {
				continue
			}
			for _, msg := range batch.Messages {
				var inner protocol.Response
				if err := json.Unmarshal(msg, &inner); err == nil && inner.Type == protocol.MsgEvent {
					printJSON(inner.Data)
				}
			}
		}
	}
}

func sendAndPrint(client *Client, cmdType string, data json.RawMessage) {
	resp, err := client.Send(cmdType, data)
	if err != nil {
		log.Fatalf("%s: %v", cmdType, err)
	}
	if resp.Type == protocol.MsgError {
		log.Fatalf("%s: %v", cmdType, responseError(resp))
	}
	fmt.Printf("%s: %s\n", cmdType, resp.Type)
	if len(resp.Data) > 0 {
		printJSON(resp.Data)
	}
}

func parsePoints(args []string) []map[string]float64 {
	var points []map[string]float64
	for _, arg := range args {
		parts := strings.SplitN(arg, ",", 2)
		if len(parts) != 2 {
			return nil
		}
		x, err1 := strconv.ParseFloat(parts[0], 64)
		y, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		points = append(points, map[string]float64{"x": x, "y": y})
	}
	return points
}

func printJSON(data json.RawMessage) {
	var buf map[string]any
	if err := json.Unmarshal(data, &buf); err != nil {
		fmt.Printf("  %s\n", data)
		return
	}
	pretty, _ := json.MarshalIndent(buf, "  ", "  ")
	fmt.Printf("  %s\n", pretty)
}

func defaultCredDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldlink"
	}
	return home + "/.fieldlink"
}
