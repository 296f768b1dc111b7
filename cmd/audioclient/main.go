// Command audioclient streams a WAV file to the coaching ingress over a
// websocket, printing every event the service sends back. Useful for
// exercising the pipeline end to end without a real capture client.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// 100ms of audio per message to simulate real-time capture
const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16-bit mono PCM)")
	serverURL := flag.String("server", "ws://localhost:3002/v1/stream", "Ingress websocket URL")
	callID := flag.String("call", "dev-"+time.Now().Format("150405"), "Call ID")
	speaker := flag.String("speaker", "prospect", "Speaker channel (salesperson|prospect)")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)
	if audioFormat != 1 || bitsPerSample != 16 || numChannels != 1 {
		log.Fatal("Only 16-bit mono PCM supported")
	}

	url := *serverURL + "?call=" + *callID + "&speaker=" + *speaker +
		"&rate=" + strconv.Itoa(int(sampleRate))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", url)

	// Print everything the service sends back.
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var pretty map[string]any
			if json.Unmarshal(data, &pretty) == nil && pretty["type"] != "heartbeat" && pretty["type"] != "level" {
				log.Printf("<- %s", data)
			}
		}
	}()

	// 100ms of samples per chunk at the file's rate.
	chunkSamples := int(sampleRate) / 10
	pcm := make([]byte, chunkSamples*2)
	ticker := time.NewTicker(chunkIntervalMs * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		n, err := io.ReadFull(f, pcm)
		if n == 0 {
			break
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, toFloat32LE(pcm[:n])); err != nil {
			log.Fatalf("Write failed: %v", err)
		}
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			break
		}
	}

	log.Print("Audio finished, ending call")
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`))

	// Give the summary time to arrive.
	time.Sleep(3 * time.Second)
}

// toFloat32LE converts 16-bit PCM bytes to the float32 wire format the
// ingress expects from capture clients.
func toFloat32LE(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		f := float32(s) / 32768
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}
