package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/sessionforge/orchestrator/pkg/config"
	"github.com/sessionforge/orchestrator/pkg/logger"
)

// KubernetesBackend realizes pods as namespaced Pods and jobs as batch/v1
// Jobs. It implements both PodBackend and JobBackend.
type KubernetesBackend struct {
	clientset    kubernetes.Interface
	restConfig   *rest.Config
	readyTimeout time.Duration
}

// NewKubernetesBackend connects in-cluster when possible, falling back to the
// configured kubeconfig.
func NewKubernetesBackend(cfg *config.Config) (*KubernetesBackend, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return &KubernetesBackend{
		clientset:    clientset,
		restConfig:   restConfig,
		readyTimeout: time.Duration(cfg.PodReadyTimeoutSec) * time.Second,
	}, nil
}

// ---- PodBackend ----

func (k *KubernetesBackend) CreatePod(ctx context.Context, spec PodSpec) (*PodStatus, error) {
	if err := k.ensureNamespace(ctx, spec.Namespace); err != nil {
		return nil, err
	}

	if spec.VolumeSizeGB > 0 {
		if err := k.ensurePVC(ctx, spec.Namespace, pvcName(spec.Name), spec.VolumeSizeGB); err != nil {
			return nil, err
		}
	}

	pod := k.buildPod(spec)
	_, err := k.clientset.CoreV1().Pods(spec.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("failed to create pod %s/%s: %w", spec.Namespace, spec.Name, err)
	}

	// Wait for readiness within the bounded deadline
	var status *PodStatus
	waitErr := wait.PollUntilContextTimeout(ctx, 2*time.Second, k.readyTimeout, true,
		func(ctx context.Context) (bool, error) {
			status, err = k.GetPod(ctx, spec.Namespace, spec.Name)
			if err != nil {
				return false, nil
			}
			return status.Ready, nil
		})
	if waitErr != nil {
		return status, fmt.Errorf("pod %s/%s not ready within %s: %w",
			spec.Namespace, spec.Name, k.readyTimeout, waitErr)
	}
	return status, nil
}

func (k *KubernetesBackend) GetPod(ctx context.Context, namespace, name string) (*PodStatus, error) {
	pod, err := k.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pod %s/%s: %w", namespace, name, err)
	}

	ready := false
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			ready = true
			break
		}
	}

	return &PodStatus{
		Namespace: namespace,
		Name:      name,
		Phase:     phaseString(pod.Status.Phase),
		Ready:     ready,
		CreatedAt: pod.CreationTimestamp.Time.UTC(),
	}, nil
}

func (k *KubernetesBackend) FindPod(ctx context.Context, labelKey, labelValue string) (*PodStatus, error) {
	pods, err := k.clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		LabelSelector: labelKey + "=" + labelValue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find pod by label %s=%s: %w", labelKey, labelValue, err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	pod := pods.Items[0]
	return k.GetPod(ctx, pod.Namespace, pod.Name)
}

func (k *KubernetesBackend) DeletePod(ctx context.Context, namespace, name string) (bool, error) {
	err := k.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete pod %s/%s: %w", namespace, name, err)
	}

	// Per-pod scoped PVC goes with the pod
	pvcErr := k.clientset.CoreV1().PersistentVolumeClaims(namespace).
		Delete(ctx, pvcName(name), metav1.DeleteOptions{})
	if pvcErr != nil && !apierrors.IsNotFound(pvcErr) {
		logger.Warn("Failed to delete session PVC", map[string]interface{}{
			"namespace": namespace,
			"pvc":       pvcName(name),
			"error":     pvcErr.Error(),
		})
	}
	return true, nil
}

func (k *KubernetesBackend) ExecPod(ctx context.Context, namespace, name string, command []string) (*ExecOutput, error) {
	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(name).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: command,
			Stdout:  true,
			Stderr:  true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	output := &ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var codeErr utilexec.CodeExitError
		if errors.As(err, &codeErr) {
			output.ReturnCode = codeErr.Code
			return output, nil
		}
		return output, fmt.Errorf("exec in pod %s/%s failed: %w", namespace, name, err)
	}
	return output, nil
}

func (k *KubernetesBackend) StreamPod(ctx context.Context, namespace, name string, command []string) (io.ReadWriteCloser, error) {
	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(name).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: command,
			Stdin:   true,
			Stdout:  true,
			Stderr:  true,
			TTY:     true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		err := executor.StreamWithContext(streamCtx, remotecommand.StreamOptions{
			Stdin:  stdinReader,
			Stdout: stdoutWriter,
			Stderr: stdoutWriter,
			Tty:    true,
		})
		stdoutWriter.CloseWithError(err)
	}()

	return &podStream{
		stdin:  stdinWriter,
		stdout: stdoutReader,
		cancel: cancel,
	}, nil
}

// podStream adapts the exec channel into an io.ReadWriteCloser
type podStream struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	cancel context.CancelFunc
}

func (s *podStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *podStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *podStream) Close() error {
	s.cancel()
	_ = s.stdin.Close()
	return s.stdout.Close()
}

// ---- JobBackend ----

// CreateService provisions the per-session service endpoint: a one-replica
// deployment plus a cluster service. Scale-to-zero on idle is handled by the
// cluster's autoscaler via the idle-ttl annotation; the first exec after
// scale-down cold-starts transparently.
func (k *KubernetesBackend) CreateService(ctx context.Context, spec ServiceSpec) (*ServiceStatus, error) {
	if err := k.ensureNamespace(ctx, spec.Namespace); err != nil {
		return nil, err
	}

	deployment := k.buildDeployment(spec)
	_, err := k.clientset.AppsV1().Deployments(spec.Namespace).Create(ctx, deployment, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("failed to create deployment %s/%s: %w", spec.Namespace, spec.Name, err)
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: spec.Labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": spec.Name},
			Ports: []corev1.ServicePort{
				{Name: "http", Port: 80},
			},
		},
	}
	_, err = k.clientset.CoreV1().Services(spec.Namespace).Create(ctx, service, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("failed to create service %s/%s: %w", spec.Namespace, spec.Name, err)
	}

	return &ServiceStatus{
		Namespace: spec.Namespace,
		Name:      spec.Name,
		Phase:     "running",
		URL:       fmt.Sprintf("http://%s.%s.svc", spec.Name, spec.Namespace),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (k *KubernetesBackend) GetService(ctx context.Context, namespace, name string) (*ServiceStatus, error) {
	deployment, err := k.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get deployment %s/%s: %w", namespace, name, err)
	}

	phase := "pending"
	if deployment.Status.ReadyReplicas > 0 {
		phase = "running"
	} else if deployment.Spec.Replicas != nil && *deployment.Spec.Replicas == 0 {
		// Scaled to zero while idle; the next exec cold-starts it
		phase = "running"
	}

	return &ServiceStatus{
		Namespace: namespace,
		Name:      name,
		Phase:     phase,
		URL:       fmt.Sprintf("http://%s.%s.svc", name, namespace),
		CreatedAt: deployment.CreationTimestamp.Time.UTC(),
	}, nil
}

func (k *KubernetesBackend) DeleteService(ctx context.Context, namespace, name string) (bool, error) {
	existed := false

	err := k.clientset.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return false, fmt.Errorf("failed to delete deployment %s/%s: %w", namespace, name, err)
	}
	if err == nil {
		existed = true
	}

	err = k.clientset.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return existed, fmt.Errorf("failed to delete service %s/%s: %w", namespace, name, err)
	}
	if err == nil {
		existed = true
	}
	return existed, nil
}

func (k *KubernetesBackend) SubmitJob(ctx context.Context, spec JobSpec) (string, error) {
	if err := k.ensureNamespace(ctx, spec.Namespace); err != nil {
		return "", err
	}

	backoffLimit := int32(0)
	ttl := int32(3600)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: spec.Labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: spec.Labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "exec",
							Image:   spec.Image,
							Command: spec.Command,
							Env:     buildEnv(spec.Env),
						},
					},
				},
			},
		},
	}

	_, err := k.clientset.BatchV1().Jobs(spec.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to submit job %s/%s: %w", spec.Namespace, spec.Name, err)
	}
	return spec.Name, nil
}

func (k *KubernetesBackend) GetJob(ctx context.Context, namespace, name string) (*JobState, error) {
	job, err := k.clientset.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("job %s/%s not found", namespace, name)
		}
		return nil, fmt.Errorf("failed to get job %s/%s: %w", namespace, name, err)
	}

	state := &JobState{Phase: JobPending}
	switch {
	case job.Status.Succeeded > 0:
		state.Phase = JobSucceeded
	case job.Status.Failed > 0:
		state.Phase = JobFailed
	case job.Status.Active > 0:
		state.Phase = JobRunning
	}

	if state.Phase.Terminal() {
		k.collectJobOutput(ctx, namespace, name, state)
	}
	return state, nil
}

// collectJobOutput fills stdout and the return code from the job's pod
func (k *KubernetesBackend) collectJobOutput(ctx context.Context, namespace, name string, state *JobState) {
	pods, err := k.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + name,
	})
	if err != nil || len(pods.Items) == 0 {
		if state.Phase == JobFailed {
			state.ReturnCode = 1
		}
		return
	}

	// Latest pod wins when the job retried
	items := pods.Items
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreationTimestamp.Before(&items[j].CreationTimestamp)
	})
	pod := items[len(items)-1]

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			state.ReturnCode = int(cs.State.Terminated.ExitCode)
		}
	}
	if state.Phase == JobFailed && state.ReturnCode == 0 {
		state.ReturnCode = 1
	}

	logReq := k.clientset.CoreV1().Pods(namespace).GetLogs(pod.Name, &corev1.PodLogOptions{})
	logs, err := logReq.Stream(ctx)
	if err != nil {
		return
	}
	defer logs.Close()

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, logs)
	if state.Phase == JobFailed {
		state.Stderr = buf.String()
	} else {
		state.Stdout = buf.String()
	}
}

// ---- helpers ----

func (k *KubernetesBackend) ensureNamespace(ctx context.Context, name string) error {
	_, err := k.clientset.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: name},
	}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to ensure namespace %s: %w", name, err)
	}
	return nil
}

func (k *KubernetesBackend) ensurePVC(ctx context.Context, namespace, name string, sizeGB int) error {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(fmt.Sprintf("%dGi", sizeGB)),
				},
			},
		},
	}
	_, err := k.clientset.CoreV1().PersistentVolumeClaims(namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to ensure pvc %s/%s: %w", namespace, name, err)
	}
	return nil
}

func (k *KubernetesBackend) buildPod(spec PodSpec) *corev1.Pod {
	command := spec.Command
	if len(command) == 0 {
		command = []string{"sleep", "infinity"}
	}

	container := corev1.Container{
		Name:    "session",
		Image:   spec.Image,
		Command: command,
		Env:     buildEnv(spec.Env),
	}

	requests := corev1.ResourceList{}
	limits := corev1.ResourceList{}
	if spec.CPURequest != "" {
		requests[corev1.ResourceCPU] = resource.MustParse(spec.CPURequest)
	}
	if spec.MemoryRequest != "" {
		requests[corev1.ResourceMemory] = resource.MustParse(spec.MemoryRequest)
	}
	if spec.CPULimit != "" {
		limits[corev1.ResourceCPU] = resource.MustParse(spec.CPULimit)
	}
	if spec.MemoryLimit != "" {
		limits[corev1.ResourceMemory] = resource.MustParse(spec.MemoryLimit)
	}
	if spec.GPUCount > 0 {
		gpuResource := corev1.ResourceName("nvidia.com/gpu")
		limits[gpuResource] = *resource.NewQuantity(int64(spec.GPUCount), resource.DecimalSI)
	}
	container.Resources = corev1.ResourceRequirements{Requests: requests, Limits: limits}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: spec.Labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    []corev1.Container{container},
		},
	}

	if spec.GPUType != "" {
		pod.Spec.NodeSelector = map[string]string{"gpu.nvidia.com/class": spec.GPUType}
	}

	if spec.VolumeSizeGB > 0 {
		mountPath := spec.VolumeMountPath
		if mountPath == "" {
			mountPath = "/workspace"
		}
		pod.Spec.Volumes = []corev1.Volume{
			{
				Name: "workspace",
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
						ClaimName: pvcName(spec.Name),
					},
				},
			},
		}
		pod.Spec.Containers[0].VolumeMounts = []corev1.VolumeMount{
			{Name: "workspace", MountPath: mountPath},
		}
	}

	return pod
}

func (k *KubernetesBackend) buildDeployment(spec ServiceSpec) *appsv1.Deployment {
	replicas := int32(1)
	labels := map[string]string{"app": spec.Name}
	for key, value := range spec.Labels {
		labels[key] = value
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: labels,
			Annotations: map[string]string{
				"sessionforge.io/idle-ttl-minutes": fmt.Sprintf("%d", spec.IdleTTLMinutes),
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": spec.Name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:    "service",
							Image:   spec.Image,
							Command: []string{"sleep", "infinity"},
							Env:     buildEnv(spec.Env),
						},
					},
				},
			},
		},
	}
}

func buildEnv(env map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	vars := make([]corev1.EnvVar, 0, len(keys))
	for _, key := range keys {
		vars = append(vars, corev1.EnvVar{Name: key, Value: env[key]})
	}
	return vars
}

func phaseString(phase corev1.PodPhase) string {
	switch phase {
	case corev1.PodPending:
		return "pending"
	case corev1.PodRunning:
		return "running"
	case corev1.PodSucceeded:
		return "succeeded"
	case corev1.PodFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func pvcName(podName string) string {
	return podName + "-data"
}
