package endpoints

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// UPnPProvider requests a port mapping from an Internet Gateway Device
// via SSDP discovery + SOAP AddPortMapping, and reports the gateway's
// external address as a candidate. No UPnP client library is present
// anywhere in the retrieval pack, so this is a minimal hand-rolled
// implementation — see DESIGN.md for the stdlib justification.
type UPnPProvider struct {
	client *http.Client
}

func NewUPnPProvider() *UPnPProvider {
	return &UPnPProvider{client: &http.Client{Timeout: 2 * time.Second}}
}

func (p *UPnPProvider) Kind() Kind { return KindUPnP }

func (p *UPnPProvider) Discover(ctx context.Context, localPort int) ([]Candidate, error) {
	loc, err := ssdpDiscover(ctx)
	if err != nil {
		return nil, fmt.Errorf("endpoints: ssdp discovery: %w", err)
	}
	controlURL, err := fetchControlURL(ctx, p.client, loc)
	if err != nil {
		return nil, fmt.Errorf("endpoints: fetching IGD description: %w", err)
	}
	externalIP, err := getExternalIP(ctx, p.client, controlURL)
	if err != nil {
		return nil, fmt.Errorf("endpoints: querying external IP: %w", err)
	}
	if err := addPortMapping(ctx, p.client, controlURL, localPort); err != nil {
		return nil, fmt.Errorf("endpoints: adding port mapping: %w", err)
	}
	return []Candidate{{
		Kind:    KindUPnP,
		Address: net.UDPAddr{IP: externalIP, Port: localPort},
	}}, nil
}

const ssdpSearchTarget = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"

func ssdpDiscover(ctx context.Context) (string, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	req := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 2\r\n" +
		"ST: " + ssdpSearchTarget + "\r\n\r\n"

	dst, err := net.ResolveUDPAddr("udp4", "239.255.255.250:1900")
	if err != nil {
		return "", err
	}
	if _, err := conn.WriteTo([]byte(req), dst); err != nil {
		return "", err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(2 * time.Second)
	}
	conn.SetReadDeadline(deadline)

	buf := make([]byte, 2048)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return "", err
	}
	return parseLocationHeader(string(buf[:n]))
}

func parseLocationHeader(resp string) (string, error) {
	for _, line := range strings.Split(resp, "\r\n") {
		if strings.HasPrefix(strings.ToUpper(line), "LOCATION:") {
			return strings.TrimSpace(line[len("LOCATION:"):]), nil
		}
	}
	return "", fmt.Errorf("no LOCATION header in SSDP response")
}

type igdService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

type igdDescription struct {
	XMLName xml.Name `xml:"root"`
	Device  struct {
		DeviceList struct {
			Device []struct {
				ServiceList struct {
					Service []igdService `xml:"service"`
				} `xml:"serviceList"`
				DeviceList struct {
					Device []struct {
						ServiceList struct {
							Service []igdService `xml:"service"`
						} `xml:"serviceList"`
					} `xml:"device"`
				} `xml:"deviceList"`
			} `xml:"device"`
		} `xml:"deviceList"`
	} `xml:"device"`
}

// fetchControlURL retrieves the IGD's XML description and finds the
// WANIPConnection (or WANPPPConnection) service's control endpoint.
func fetchControlURL(ctx context.Context, client *http.Client, descriptionURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, descriptionURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var desc igdDescription
	if err := xml.Unmarshal(body, &desc); err != nil {
		return "", fmt.Errorf("parsing IGD description: %w", err)
	}

	for _, dev := range desc.Device.DeviceList.Device {
		for _, svc := range dev.ServiceList.Service {
			if isWANConnectionService(svc.ServiceType) {
				return resolveURL(descriptionURL, svc.ControlURL), nil
			}
		}
		for _, nested := range dev.DeviceList.Device {
			for _, svc := range nested.ServiceList.Service {
				if isWANConnectionService(svc.ServiceType) {
					return resolveURL(descriptionURL, svc.ControlURL), nil
				}
			}
		}
	}
	return "", fmt.Errorf("no WANIPConnection/WANPPPConnection service found")
}

func isWANConnectionService(serviceType string) bool {
	return strings.Contains(serviceType, "WANIPConnection") || strings.Contains(serviceType, "WANPPPConnection")
}

func resolveURL(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	schemeEnd := strings.Index(base, "://")
	if schemeEnd < 0 {
		return ref
	}
	hostEnd := strings.Index(base[schemeEnd+3:], "/")
	if hostEnd < 0 {
		return base + ref
	}
	origin := base[:schemeEnd+3+hostEnd]
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return origin + ref
}

func soapRequest(ctx context.Context, client *http.Client, controlURL, action, serviceType, body string) (string, error) {
	envelope := `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body><u:` + action + ` xmlns:u="` + serviceType + `">` + body + `</u:` + action + `></s:Body></s:Envelope>`

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader([]byte(envelope)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", `"`+serviceType+"#"+action+`"`)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("SOAP action %s failed: HTTP %d: %s", action, resp.StatusCode, respBody)
	}
	return string(respBody), nil
}

const wanIPConnectionType = "urn:schemas-upnp-org:service:WANIPConnection:1"

func getExternalIP(ctx context.Context, client *http.Client, controlURL string) (net.IP, error) {
	resp, err := soapRequest(ctx, client, controlURL, "GetExternalIPAddress", wanIPConnectionType, "")
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Body struct {
			Response struct {
				ExternalIPAddress string `xml:"NewExternalIPAddress"`
			} `xml:"GetExternalIPAddressResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal([]byte(resp), &parsed); err != nil {
		return nil, fmt.Errorf("parsing GetExternalIPAddress response: %w", err)
	}
	ip := net.ParseIP(parsed.Body.Response.ExternalIPAddress)
	if ip == nil {
		return nil, fmt.Errorf("gateway returned no external IP")
	}
	return ip, nil
}

func addPortMapping(ctx context.Context, client *http.Client, controlURL string, port int) error {
	body := fmt.Sprintf(
		"<NewRemoteHost></NewRemoteHost><NewExternalPort>%d</NewExternalPort><NewProtocol>UDP</NewProtocol>"+
			"<NewInternalPort>%d</NewInternalPort><NewInternalClient></NewInternalClient>"+
			"<NewEnabled>1</NewEnabled><NewPortMappingDescription>meshnet</NewPortMappingDescription>"+
			"<NewLeaseDuration>0</NewLeaseDuration>",
		port, port)
	_, err := soapRequest(ctx, client, controlURL, "AddPortMapping", wanIPConnectionType, body)
	return err
}
