package manager

import (
	"errors"

	"github.com/vaheed/novaspace/pkg/types"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// ClusterEndpoint is the API server written into generated kubeconfigs.
type ClusterEndpoint struct {
	Server string
	CAData []byte
}

// GenerateKubeconfig builds a kubeconfig that authenticates as the identity's
// service account with its bearer token, scoped to its namespace.
func GenerateKubeconfig(ep ClusterEndpoint, id types.Identity) ([]byte, error) {
	if ep.Server == "" {
		return nil, errors.New("cluster server address not configured")
	}
	if id.Token == "" {
		return nil, errors.New("identity has no service account token")
	}
	clusterName := id.ClusterName
	if clusterName == "" {
		clusterName = "novaspace"
	}
	user := id.Namespace + "-" + id.ServiceAccount

	cfg := clientcmdapi.NewConfig()
	c := clientcmdapi.NewCluster()
	c.Server = ep.Server
	c.CertificateAuthorityData = ep.CAData
	cfg.Clusters[clusterName] = c

	auth := clientcmdapi.NewAuthInfo()
	auth.Token = id.Token
	cfg.AuthInfos[user] = auth

	kctx := clientcmdapi.NewContext()
	kctx.Cluster = clusterName
	kctx.AuthInfo = user
	kctx.Namespace = id.Namespace
	cfg.Contexts[user] = kctx
	cfg.CurrentContext = user

	return clientcmd.Write(*cfg)
}
